package protocol

import "errors"

const (
	// SegBytes and MsgBytes are the wire width of a segment/message number.
	SegBytes = 6
	MsgBytes = 6

	// HeaderSize is the fixed 24-byte outer header preceding ciphertext.
	HeaderSize = HostIDSize + ChannelIDSize + SegBytes + SegBytes + MsgBytes

	// TagSize is the AEAD authentication tag appended after the ciphertext.
	TagSize = 16

	// MinPacketSize is HeaderSize+TagSize, the smallest legal datagram (an
	// empty-payload hello or echo packet).
	MinPacketSize = HeaderSize + TagSize

	// IVSize and ADSize are the AEAD inputs derived from the header.
	IVSize = SegBytes + MsgBytes
	ADSize = SegBytes

	// MaxNum is the largest legal 48-bit SegNum/MsgNum value; numbers run
	// in [1, MaxNum]. 0 means "unset".
	MaxNum uint64 = 1<<48 - 1
)

var (
	ErrShortPacket = errors.New("protocol: packet shorter than the minimum frame size")
	ErrNumTooLarge = errors.New("protocol: segment/message number exceeds 48 bits")
)

// SegNum is a 48-bit segment number. 0 means unset.
type SegNum uint64

// MsgNum is a 48-bit message number. 0 means unset.
type MsgNum uint64

// Header is the decoded form of the 24-byte outer packet header.
type Header struct {
	SenderHostID HostID
	ChannelID    ChannelID
	RecvSeg      SegNum // receiver's SegNum; AEAD additional data
	SendSeg      SegNum // sender's SegNum; AEAD IV high bytes
	MsgNum       MsgNum // AEAD IV low bytes
}

func putUint48LE(dst []byte, v uint64) error {
	if v > MaxNum {
		return ErrNumTooLarge
	}
	for i := 0; i < 6; i++ {
		dst[i] = byte(v >> (8 * i))
	}
	return nil
}

func uint48LE(src []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

// EncodeHeader writes the 24-byte header into dst[0:HeaderSize].
func EncodeHeader(dst []byte, h Header) error {
	if len(dst) < HeaderSize {
		return ErrShortPacket
	}
	copy(dst[0:4], h.SenderHostID[:])
	copy(dst[4:6], h.ChannelID[:])
	if err := putUint48LE(dst[6:12], uint64(h.RecvSeg)); err != nil {
		return err
	}
	if err := putUint48LE(dst[12:18], uint64(h.SendSeg)); err != nil {
		return err
	}
	if err := putUint48LE(dst[18:24], uint64(h.MsgNum)); err != nil {
		return err
	}
	return nil
}

// DecodeHeader parses the leading HeaderSize bytes of src. src must be at
// least MinPacketSize bytes; callers reject shorter datagrams before
// calling this (§4.F rejects L < 40 outright).
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < MinPacketSize {
		return Header{}, ErrShortPacket
	}
	var h Header
	copy(h.SenderHostID[:], src[0:4])
	copy(h.ChannelID[:], src[4:6])
	h.RecvSeg = SegNum(uint48LE(src[6:12]))
	h.SendSeg = SegNum(uint48LE(src[12:18]))
	h.MsgNum = MsgNum(uint48LE(src[18:24]))
	return h, nil
}

// ConnIDOf returns the ConnID a receiver uses to route this packet: the
// packet's sender host ID paired with its channel ID.
func (h Header) ConnIDOf() ConnID {
	return NewConnID(h.SenderHostID, h.ChannelID)
}

// IV returns the 12-byte AEAD nonce: SendSeg (6 bytes) || MsgNum (6 bytes).
func (h Header) IV() [IVSize]byte {
	var iv [IVSize]byte
	_ = putUint48LE(iv[0:6], uint64(h.SendSeg))
	_ = putUint48LE(iv[6:12], uint64(h.MsgNum))
	return iv
}

// AdditionalData returns the 6-byte AEAD associated data: RecvSeg.
func (h Header) AdditionalData() [ADSize]byte {
	var ad [ADSize]byte
	_ = putUint48LE(ad[:], uint64(h.RecvSeg))
	return ad
}

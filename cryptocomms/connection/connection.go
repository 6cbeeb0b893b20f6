// Package connection implements Connection, the per-channel protocol
// state machine: packet framing, the hello/data handshake, segment-number
// rotation, and the Branch I/II/III receive classification from §4.F.
// Connection owns no threads of its own — Session's connection_worker
// goroutines drive it through MoveData.
package connection

import (
	"fmt"
	"sync"

	"github.com/cryptocomms/cryptocomms/cryptocomms/clock"
	"github.com/cryptocomms/cryptocomms/cryptocomms/compress"
	"github.com/cryptocomms/cryptocomms/cryptocomms/crypto"
	"github.com/cryptocomms/cryptocomms/cryptocomms/fifo"
	"github.com/cryptocomms/cryptocomms/cryptocomms/logging"
	"github.com/cryptocomms/cryptocomms/cryptocomms/protocol"
	"github.com/cryptocomms/cryptocomms/cryptocomms/replay"
	"github.com/cryptocomms/cryptocomms/cryptocomms/rtt"
	"github.com/cryptocomms/cryptocomms/cryptocomms/segnum"
	"github.com/cryptocomms/cryptocomms/cryptocomms/transport/udp"
)

// dataOverhead is the packet framing cost subtracted from max_packet_size
// when sizing a read from the local InFifo: the 24-byte header plus the
// 16-byte AEAD tag.
const dataOverhead = protocol.HeaderSize + protocol.TagSize

// ErrCodec is returned when framing or encryption fails for reasons other
// than an authentication rejection (CodecError in the §7 taxonomy).
var ErrCodec = crypto.ErrCodec

// Config bundles everything needed to construct a Connection; fields map
// directly onto a config.PeerConfig plus config.Channel entry.
type Config struct {
	SelfID        protocol.HostID
	PeerID        protocol.HostID
	ChannelID     protocol.ChannelID
	PeerIPAddr    string
	PeerPort      int
	MaxPacketSize int
	SharedKey     *crypto.SecretKey
	Compress      bool
	InFifoPath    string
	OutFifoPath   string
	UDPPort       *udp.Port
	SegGen        *segnum.Generator
	Logger        *logging.Logger
}

// Connection is the protocol state machine for one (peer, channel) pair.
// All mutable state is guarded by mu; MoveData is meant to be called by
// exactly one worker at a time (Session's busy-set invariant), but the
// lock makes accidental concurrent access safe rather than silently wrong.
type Connection struct {
	mu sync.Mutex

	selfID        protocol.HostID
	peerID        protocol.HostID
	channelID     protocol.ChannelID
	peerIPAddr    string
	peerPort      int
	maxPacketSize int
	compress      bool

	udpPort *udp.Port
	segGen  *segnum.Generator
	codec   *crypto.AeadCodec
	inFifo  *fifo.InFifo
	outFifo *fifo.OutFifo
	log     *logging.Logger

	curLocalSeg protocol.SegNum
	oldLocalSeg protocol.SegNum

	curPeerSeg protocol.SegNum
	oldPeerSeg protocol.SegNum

	curRecvWindow *replay.Window
	oldRecvWindow *replay.Window
	rttTracker    *rtt.Tracker

	localNextMsgNum    protocol.MsgNum
	lastHelloSentMS    uint64
	helloSentThisSlice bool

	// pendingFifoData holds bytes already pulled off inFifo while probing
	// for readiness (step 1 of Sending data needs to know "has readable
	// data" without discarding what it read), so a later read-for-send
	// sees them first instead of losing them.
	pendingFifoData []byte

	inboxMu sync.Mutex
	inbox   [][]byte
}

// New constructs a Connection starting in the Unconfirmed state
// (cur_peer_seg == 0), deriving its send/recv subkeys via HKDF-Expand and
// opening its local named pipes.
func New(cfg Config) (*Connection, error) {
	if cfg.MaxPacketSize <= dataOverhead {
		return nil, fmt.Errorf("connection: max_packet_size %d too small for framing overhead %d", cfg.MaxPacketSize, dataOverhead)
	}

	sendInfo := append(append(append([]byte{}, cfg.SelfID[:]...), cfg.PeerID[:]...), cfg.ChannelID[:]...)
	recvInfo := append(append(append([]byte{}, cfg.PeerID[:]...), cfg.SelfID[:]...), cfg.ChannelID[:]...)

	sendKey, err := crypto.HkdfExpand(cfg.SharedKey, sendInfo)
	if err != nil {
		return nil, fmt.Errorf("connection: deriving send key: %w", err)
	}
	defer sendKey.Erase()
	recvKey, err := crypto.HkdfExpand(cfg.SharedKey, recvInfo)
	if err != nil {
		return nil, fmt.Errorf("connection: deriving recv key: %w", err)
	}
	defer recvKey.Erase()

	sendKeyBytes, err := sendKey.Bytes()
	if err != nil {
		return nil, err
	}
	recvKeyBytes, err := recvKey.Bytes()
	if err != nil {
		return nil, err
	}
	codec, err := crypto.NewAeadCodec(sendKeyBytes, recvKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("connection: building codec: %w", err)
	}

	inFifo, err := fifo.NewInFifo(cfg.InFifoPath)
	if err != nil {
		return nil, err
	}
	outFifo, err := fifo.NewOutFifo(cfg.OutFifoPath)
	if err != nil {
		inFifo.Close()
		return nil, err
	}

	localSeg, err := cfg.SegGen.Next()
	if err != nil {
		inFifo.Close()
		outFifo.Close()
		return nil, err
	}

	rttTracker := rtt.New()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Connection{
		selfID:          cfg.SelfID,
		peerID:          cfg.PeerID,
		channelID:       cfg.ChannelID,
		peerIPAddr:      cfg.PeerIPAddr,
		peerPort:        cfg.PeerPort,
		maxPacketSize:   cfg.MaxPacketSize,
		compress:        cfg.Compress,
		udpPort:         cfg.UDPPort,
		segGen:          cfg.SegGen,
		codec:           codec,
		inFifo:          inFifo,
		outFifo:         outFifo,
		log:             logger,
		curLocalSeg:     localSeg,
		curRecvWindow:   replay.New(rttTracker),
		oldRecvWindow:   replay.New(rttTracker),
		rttTracker:      rttTracker,
		localNextMsgNum: 1,
	}, nil
}

// ConnID returns the routing key peers use to address this Connection:
// peer HostId concatenated with ChannelId (§3).
func (c *Connection) ConnID() protocol.ConnID {
	return protocol.NewConnID(c.peerID, c.channelID)
}

// InFifoFd exposes the local InFifo's descriptor for Session's
// fifo_monitor poll set.
func (c *Connection) InFifoFd() int { return c.inFifo.Fd() }

// Close releases the Connection's local pipes. The shared UdpPort and
// SegmentNumGenerator are owned by Session and are not touched here.
func (c *Connection) Close() error {
	err1 := c.inFifo.Close()
	err2 := c.outFifo.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// EnqueueInbound hands a raw datagram payload (already known to belong to
// this Connection by ConnId) to the Connection's inbox. Called by
// socket_reader; never by a worker.
func (c *Connection) EnqueueInbound(datagram []byte) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, datagram)
	c.inboxMu.Unlock()
}

// HasInboundWork reports whether the inbox currently holds undelivered
// datagrams, used by Session to decide whether to re-enqueue this
// Connection's ConnId after a worker's dwell loop.
func (c *Connection) HasInboundWork() bool {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return len(c.inbox) > 0
}

func (c *Connection) dequeueInbound() ([]byte, bool) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if len(c.inbox) == 0 {
		return nil, false
	}
	d := c.inbox[0]
	c.inbox = c.inbox[1:]
	return d, true
}

// MoveData performs up to dwellLoops alternations of one outbound send
// attempt and one inbound message delivery, per the connection_worker
// role in §4.I. It returns true if any outbound or inbound work was
// actually performed during the call.
func (c *Connection) MoveData(dwellLoops int) (didWork bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.helloSentThisSlice = false
	for i := 0; i < dwellLoops; i++ {
		sentOrReplied, sendErr := c.trySend()
		if sendErr != nil {
			return didWork, sendErr
		}
		if sentOrReplied {
			didWork = true
		}

		delivered, recvErr := c.tryProcessOne()
		if recvErr != nil {
			return didWork, recvErr
		}
		if delivered {
			didWork = true
		}

		if !sentOrReplied && !delivered {
			break
		}
	}
	return didWork, nil
}

// trySend implements "Sending data (called by worker)" from §4.F.
// Caller must hold c.mu.
func (c *Connection) trySend() (bool, error) {
	if c.curPeerSeg == 0 {
		hasData, err := c.fifoHasReadableData()
		if err != nil {
			return false, err
		}
		if !hasData || c.helloSentThisSlice {
			return false, nil
		}
		if err := c.sendHello(); err != nil {
			return false, err
		}
		c.helloSentThisSlice = true
		c.lastHelloSentMS = clock.NowMS()
		return true, nil
	}

	payload, err := c.readUpTo(c.maxPacketSize - dataOverhead)
	if err != nil {
		return false, err
	}
	if len(payload) == 0 {
		return false, nil
	}

	if c.compress {
		compressed, cerr := compress.Compress(payload, compress.Default)
		if cerr != nil {
			return false, fmt.Errorf("connection: compressing outbound payload: %w", cerr)
		}
		payload = compressed
	}

	if err := c.sendData(payload); err != nil {
		return false, err
	}
	return true, nil
}

// fifoHasReadableData probes the InFifo for data without losing bytes
// that a subsequent readUpTo call needs to consume: anything read here is
// buffered in pendingFifoData rather than discarded.
func (c *Connection) fifoHasReadableData() (bool, error) {
	if len(c.pendingFifoData) > 0 {
		return true, nil
	}
	chunk, err := c.inFifo.Read(4096)
	if err != nil {
		return false, err
	}
	if len(chunk) == 0 {
		return false, nil
	}
	c.pendingFifoData = chunk
	return true, nil
}

// readUpTo returns up to n bytes, draining pendingFifoData first and only
// issuing a fresh InFifo.Read if more room remains.
func (c *Connection) readUpTo(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	var out []byte
	if len(c.pendingFifoData) > 0 {
		take := len(c.pendingFifoData)
		if take > n {
			take = n
		}
		out = append(out, c.pendingFifoData[:take]...)
		c.pendingFifoData = c.pendingFifoData[take:]
	}

	remaining := n - len(out)
	if remaining > 0 {
		chunk, err := c.inFifo.Read(remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (c *Connection) sendHello() error {
	header := protocol.Header{
		SenderHostID: c.selfID,
		ChannelID:    c.channelID,
		RecvSeg:      0,
		SendSeg:      c.curLocalSeg,
		MsgNum:       1,
	}
	packet, err := c.buildPacket(header, nil)
	if err != nil {
		return err
	}
	if !c.udpPort.Send(packet, c.peerIPAddr, c.peerPort) {
		c.log.Debugf("connection: hello send to %s:%d did not complete", c.peerIPAddr, c.peerPort)
	}
	return nil
}

func (c *Connection) sendData(payload []byte) error {
	if uint64(c.localNextMsgNum) > protocol.MaxNum {
		next, err := c.segGen.Next()
		if err != nil {
			return err
		}
		c.oldLocalSeg = c.curLocalSeg
		c.curLocalSeg = next
		c.localNextMsgNum = 1
	}

	msgNum := c.localNextMsgNum
	c.localNextMsgNum++

	header := protocol.Header{
		SenderHostID: c.selfID,
		ChannelID:    c.channelID,
		RecvSeg:      c.curPeerSeg,
		SendSeg:      c.curLocalSeg,
		MsgNum:       msgNum,
	}
	packet, err := c.buildPacket(header, payload)
	if err != nil {
		return err
	}
	if !c.udpPort.Send(packet, c.peerIPAddr, c.peerPort) {
		c.log.Debugf("connection: data send to %s:%d did not complete", c.peerIPAddr, c.peerPort)
	}
	return nil
}

// buildPacket frames and encrypts plaintext into a full wire packet:
// 24-byte header, ciphertext, 16-byte tag.
func (c *Connection) buildPacket(header protocol.Header, plaintext []byte) ([]byte, error) {
	out := make([]byte, protocol.HeaderSize+len(plaintext)+protocol.TagSize)
	if err := protocol.EncodeHeader(out[:protocol.HeaderSize], header); err != nil {
		return nil, fmt.Errorf("connection: %w: %v", ErrCodec, err)
	}
	iv := header.IV()
	ad := header.AdditionalData()
	if err := c.codec.Encrypt(plaintext, ad[:], iv[:], out, protocol.HeaderSize); err != nil {
		return nil, fmt.Errorf("connection: %w: %v", ErrCodec, err)
	}
	return out, nil
}

// tryProcessOne dequeues and handles at most one inbound datagram. Caller
// must hold c.mu.
func (c *Connection) tryProcessOne() (bool, error) {
	datagram, ok := c.dequeueInbound()
	if !ok {
		return false, nil
	}
	if err := c.handleDatagram(datagram); err != nil {
		return false, err
	}
	return true, nil
}

// handleDatagram implements "Receiving a packet" from §4.F: the L<40 and
// peer_seg==0 outright rejects, then Branch I/II/III classification.
func (c *Connection) handleDatagram(datagram []byte) error {
	if len(datagram) < protocol.MinPacketSize {
		return nil
	}

	header, err := protocol.DecodeHeader(datagram)
	if err != nil {
		return nil
	}

	mySeg := header.RecvSeg
	peerSeg := header.SendSeg
	msgNum := header.MsgNum

	if peerSeg == 0 {
		return nil
	}

	switch {
	case mySeg != c.curLocalSeg && mySeg != c.oldLocalSeg || mySeg == 0:
		return c.handleBranchI(datagram, header, peerSeg)

	case peerSeg == c.curPeerSeg && c.curPeerSeg != 0:
		return c.handleBranchII(datagram, header, c.curRecvWindow, msgNum)

	case peerSeg == c.oldPeerSeg && c.oldPeerSeg != 0:
		return c.handleBranchII(datagram, header, c.oldRecvWindow, msgNum)

	case peerSeg > c.curPeerSeg:
		return c.handleBranchIII(datagram, header, peerSeg, msgNum)

	default:
		// peer_seg stale but matching neither current nor old: drop.
		return nil
	}
}

// handleBranchI: my_seg unrecognized. Replies with an echoing empty
// packet on a valid, sufficiently-fresh packet; never confirms peer_seg.
func (c *Connection) handleBranchI(datagram []byte, header protocol.Header, peerSeg protocol.SegNum) error {
	if peerSeg <= c.curPeerSeg {
		return nil
	}

	_, ok := c.decrypt(datagram, header)
	if !ok {
		return nil
	}

	echo := protocol.Header{
		SenderHostID: c.selfID,
		ChannelID:    c.channelID,
		RecvSeg:      peerSeg,
		SendSeg:      c.curLocalSeg,
		MsgNum:       c.localNextMsgNum,
	}
	c.localNextMsgNum++
	packet, err := c.buildPacket(echo, nil)
	if err != nil {
		return err
	}
	if !c.udpPort.Send(packet, c.peerIPAddr, c.peerPort) {
		c.log.Debugf("connection: branch-I echo to %s:%d did not complete", c.peerIPAddr, c.peerPort)
	}
	return nil
}

// handleBranchII: recognized seg pair, check the matching ReplayWindow.
func (c *Connection) handleBranchII(datagram []byte, header protocol.Header, window *replay.Window, msgNum protocol.MsgNum) error {
	if window.Seen(msgNum) {
		return nil
	}
	plaintext, ok := c.decrypt(datagram, header)
	if !ok {
		return nil
	}
	window.Log(msgNum)
	return c.deliver(plaintext)
}

// handleBranchIII: peer rotated to a fresh SegNum. On a valid packet,
// demotes the current peer seg/window to "old" and starts a fresh
// current window for the new peer seg.
func (c *Connection) handleBranchIII(datagram []byte, header protocol.Header, peerSeg protocol.SegNum, msgNum protocol.MsgNum) error {
	plaintext, ok := c.decrypt(datagram, header)
	if !ok {
		return nil
	}

	c.oldPeerSeg = c.curPeerSeg
	c.oldRecvWindow = c.curRecvWindow
	c.curPeerSeg = peerSeg
	c.curRecvWindow = replay.New(c.rttTracker)
	c.curRecvWindow.Log(msgNum)

	return c.deliver(plaintext)
}

func (c *Connection) decrypt(datagram []byte, header protocol.Header) ([]byte, bool) {
	iv := header.IV()
	ad := header.AdditionalData()
	length := len(datagram) - protocol.HeaderSize
	return c.codec.Decrypt(datagram, protocol.HeaderSize, length, ad[:], iv[:])
}

// deliver writes decrypted payload out to the local OutFifo, decompressing
// first when the channel is configured for it. A peer-closed OutFifo is
// not an error (§4.H): it is logged and dropped.
func (c *Connection) deliver(plaintext []byte) error {
	if len(plaintext) == 0 {
		return nil
	}
	if c.compress {
		decompressed, err := compress.Decompress(plaintext)
		if err != nil {
			c.log.Warnf("connection: dropping inbound payload that failed to decompress: %v", err)
			return nil
		}
		plaintext = decompressed
	}

	_, broken, err := c.outFifo.Write(plaintext)
	if err != nil {
		return fmt.Errorf("connection: writing to local OutFifo: %w", err)
	}
	if broken {
		c.log.Debugf("connection: OutFifo reader gone, dropping %d bytes", len(plaintext))
	}
	return nil
}

// IsConfirmed reports whether this Connection has left the Unconfirmed
// state (cur_peer_seg != 0), per the §4.F state diagram.
func (c *Connection) IsConfirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curPeerSeg != 0
}

// LastHelloSentMS reports the wall-clock time of the most recent hello
// send, for external observability.
func (c *Connection) LastHelloSentMS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHelloSentMS
}

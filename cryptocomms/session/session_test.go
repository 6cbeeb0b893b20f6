package session

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cryptocomms/cryptocomms/cryptocomms/connection"
	"github.com/cryptocomms/cryptocomms/cryptocomms/crypto"
	"github.com/cryptocomms/cryptocomms/cryptocomms/logging"
	"github.com/cryptocomms/cryptocomms/cryptocomms/protocol"
	"github.com/cryptocomms/cryptocomms/cryptocomms/segnum"
	"github.com/cryptocomms/cryptocomms/cryptocomms/transport/udp"
)

const testKeyHex = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

var (
	testSelfA = protocol.HostID{1, 1, 1, 1}
	testSelfB = protocol.HostID{2, 2, 2, 2}
	testChan  = protocol.ChannelID{0xAA, 0xBB}
)

func seedSegFiles(t *testing.T, base string) {
	t.Helper()
	for _, suffix := range []string{"_FIRST", "_SECOND"} {
		if err := os.WriteFile(base+suffix, []byte("10\n10\n"), 0o644); err != nil {
			t.Fatalf("seeding %s%s: %v", base, suffix, err)
		}
	}
}

func newSegGen(t *testing.T) *segnum.Generator {
	t.Helper()
	base := filepath.Join(t.TempDir(), "segnumfile")
	seedSegFiles(t, base)
	g, err := segnum.New(base, 1000)
	if err != nil {
		t.Fatalf("segnum.New: %v", err)
	}
	return g
}

// buildConnA constructs the one real Connection under test, a host "A"
// talking to host "B" over peerPort. B itself is simulated directly in the
// test via the crypto and protocol packages, not by a second Connection.
func buildConnA(t *testing.T, selfPort, peerPort *udp.Port, inPath, outPath string) *connection.Connection {
	t.Helper()
	key, err := crypto.FromHex(testKeyHex)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	conn, err := connection.New(connection.Config{
		SelfID:        testSelfA,
		PeerID:        testSelfB,
		ChannelID:     testChan,
		PeerIPAddr:    peerPort.BoundAddr(),
		PeerPort:      peerPort.BoundPort(),
		MaxPacketSize: 1200,
		SharedKey:     &key,
		InFifoPath:    inPath,
		OutFifoPath:   outPath,
		UDPPort:       selfPort,
		SegGen:        newSegGen(t),
		Logger:        logging.Default(),
	})
	if err != nil {
		t.Fatalf("connection.New: %v", err)
	}
	return conn
}

// simulatedPeer plays host B's side of the handshake directly against the
// crypto and protocol packages, without a Connection or Session of its own,
// so the test can drive Session's goroutines from a known peer state.
type simulatedPeer struct {
	codec  *crypto.AeadCodec
	curSeg protocol.SegNum
	msgNum protocol.MsgNum
}

func newSimulatedPeer(t *testing.T) *simulatedPeer {
	t.Helper()
	shared, err := crypto.FromHex(testKeyHex)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	// B's send_key = HKDF(shared, selfB||peerA||channel); this is exactly
	// what A derives as its own recv_key, so a packet built with it
	// decrypts cleanly on A's side.
	info := append(append(append([]byte{}, testSelfB[:]...), testSelfA[:]...), testChan[:]...)
	sendKey, err := crypto.HkdfExpand(&shared, info)
	if err != nil {
		t.Fatalf("HkdfExpand: %v", err)
	}
	sendKeyBytes, err := sendKey.Bytes()
	if err != nil {
		t.Fatalf("sendKey.Bytes: %v", err)
	}
	codec, err := crypto.NewAeadCodec(sendKeyBytes, sendKeyBytes)
	if err != nil {
		t.Fatalf("NewAeadCodec: %v", err)
	}
	return &simulatedPeer{codec: codec, curSeg: 9, msgNum: 1}
}

// confirmPacket builds an empty-payload packet from B to A with a nonzero
// SegNum, the Branch III trigger that moves A into the confirmed state.
func (p *simulatedPeer) confirmPacket(t *testing.T, aRecvSeg protocol.SegNum) []byte {
	t.Helper()
	header := protocol.Header{
		SenderHostID: testSelfB,
		ChannelID:    testChan,
		RecvSeg:      aRecvSeg,
		SendSeg:      p.curSeg,
		MsgNum:       p.msgNum,
	}
	p.msgNum++
	return p.encode(t, header, nil)
}

func (p *simulatedPeer) encode(t *testing.T, header protocol.Header, plaintext []byte) []byte {
	t.Helper()
	out := make([]byte, protocol.HeaderSize+len(plaintext)+protocol.TagSize)
	if err := protocol.EncodeHeader(out, header); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	ad := header.AdditionalData()
	iv := header.IV()
	if err := p.codec.Encrypt(plaintext, ad[:], iv[:], out, protocol.HeaderSize); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return out
}

// decode decrypts a datagram A sent, using A's send_key == B's recv_key.
func (p *simulatedPeer) decode(t *testing.T, datagram []byte) (protocol.Header, []byte) {
	t.Helper()
	header, err := protocol.DecodeHeader(datagram)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	shared, err := crypto.FromHex(testKeyHex)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	info := append(append(append([]byte{}, testSelfA[:]...), testSelfB[:]...), testChan[:]...)
	recvKey, err := crypto.HkdfExpand(&shared, info)
	if err != nil {
		t.Fatalf("HkdfExpand: %v", err)
	}
	recvKeyBytes, err := recvKey.Bytes()
	if err != nil {
		t.Fatalf("recvKey.Bytes: %v", err)
	}
	codec, err := crypto.NewAeadCodec(recvKeyBytes, recvKeyBytes)
	if err != nil {
		t.Fatalf("NewAeadCodec: %v", err)
	}
	ad := header.AdditionalData()
	iv := header.IV()
	plaintext, ok := codec.Decrypt(datagram, protocol.HeaderSize, len(datagram)-protocol.HeaderSize, ad[:], iv[:])
	if !ok {
		t.Fatalf("decode: authentication failed")
	}
	return header, plaintext
}

func openNonblockingReader(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("opening reader %s: %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func receiveWithDeadline(t *testing.T, port *udp.Port, timeout time.Duration) *udp.Datagram {
	t.Helper()
	if err := port.SetReadDeadline(deadlineNow().Add(timeout)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	dgram, err := port.Receive()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("timed out waiting for a datagram")
		}
		t.Fatalf("Receive: %v", err)
	}
	return dgram
}

// deadlineNow exists only so the single call to time.Now() in this test
// file is easy to spot; tests may call real wall-clock time freely, unlike
// the session/connection/segnum packages under test.
func deadlineNow() time.Time { return time.Now() }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := deadlineNow().Add(timeout)
	for deadlineNow().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSessionEndToEndDelivery(t *testing.T) {
	portA, err := udp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind A: %v", err)
	}
	defer portA.Close()
	portB, err := udp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind B: %v", err)
	}
	defer portB.Close()

	tmp := t.TempDir()
	inPath := filepath.Join(tmp, "a_in")
	outPath := filepath.Join(tmp, "a_out")

	connA := buildConnA(t, portA, portB, inPath, outPath)
	openNonblockingReader(t, outPath)

	segGen := newSegGen(t)
	sess, err := New(portA, segGen, []*connection.Connection{connA}, 2, logging.Default())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	sess.Start()
	defer sess.Stop()

	writer, err := os.OpenFile(inPath, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening InFifo writer: %v", err)
	}
	payload := []byte("integration test payload")
	if _, err := writer.Write(payload); err != nil {
		t.Fatalf("writing InFifo: %v", err)
	}
	writer.Close()

	// fifo_monitor notices the writable data, enqueues connA, and a
	// connection_worker sends a hello since there is no confirmed peer
	// SegNum yet. Pick it up directly on B's bare port.
	helloDgram := receiveWithDeadline(t, portB, 2*time.Second)
	header, err := protocol.DecodeHeader(helloDgram.Payload)
	if err != nil {
		t.Fatalf("DecodeHeader(hello): %v", err)
	}
	if header.SenderHostID != testSelfA || header.SendSeg == 0 {
		t.Fatalf("unexpected hello header: %+v", header)
	}

	peer := newSimulatedPeer(t)
	reply := peer.confirmPacket(t, header.SendSeg)
	if !portB.Send(reply, portA.BoundAddr(), portA.BoundPort()) {
		t.Fatalf("sending confirm reply failed")
	}

	waitUntil(t, 2*time.Second, connA.IsConfirmed)

	// Now that A is confirmed, the pending InFifo bytes it already
	// buffered get sent encrypted. The same worker cycle that processes
	// the confirm may still retransmit one more hello first (it is still
	// unconfirmed at the top of that cycle's first trySend), so skip any
	// empty-payload packets and keep reading until the real data arrives.
	var plaintext []byte
	for i := 0; i < 5; i++ {
		dataDgram := receiveWithDeadline(t, portB, 2*time.Second)
		_, pt := peer.decode(t, dataDgram.Payload)
		if len(pt) > 0 {
			plaintext = pt
			break
		}
	}
	if string(plaintext) != string(payload) {
		t.Fatalf("got plaintext %q, want %q", plaintext, payload)
	}

	if err := sess.Err(); err != nil {
		t.Fatalf("session reported unexpected fatal error: %v", err)
	}
}

func TestSessionStopIsIdempotentAndJoinsGoroutines(t *testing.T) {
	portA, err := udp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind A: %v", err)
	}
	defer portA.Close()
	portB, err := udp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind B: %v", err)
	}
	defer portB.Close()

	tmp := t.TempDir()
	connA := buildConnA(t, portA, portB, filepath.Join(tmp, "in"), filepath.Join(tmp, "out"))
	openNonblockingReader(t, filepath.Join(tmp, "out"))

	sess, err := New(portA, newSegGen(t), []*connection.Connection{connA}, 3, logging.Default())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	sess.Start()

	sess.Stop()
	sess.Stop() // must not block or panic the second time

	if err := sess.Err(); err != nil {
		t.Fatalf("clean Stop should not report a fatal error, got: %v", err)
	}
}

func TestSessionRoutesUnknownConnIDWithoutPanicking(t *testing.T) {
	portA, err := udp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind A: %v", err)
	}
	defer portA.Close()
	portB, err := udp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind B: %v", err)
	}
	defer portB.Close()

	tmp := t.TempDir()
	connA := buildConnA(t, portA, portB, filepath.Join(tmp, "in"), filepath.Join(tmp, "out"))
	openNonblockingReader(t, filepath.Join(tmp, "out"))

	sess, err := New(portA, newSegGen(t), []*connection.Connection{connA}, 2, logging.Default())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	sess.Start()
	defer sess.Stop()

	strangerID := protocol.HostID{9, 9, 9, 9}
	header := protocol.Header{SenderHostID: strangerID, ChannelID: testChan, RecvSeg: 0, SendSeg: 1, MsgNum: 1}
	junk := make([]byte, protocol.MinPacketSize)
	_ = protocol.EncodeHeader(junk, header)
	if !portB.Send(junk, portA.BoundAddr(), portA.BoundPort()) {
		t.Fatalf("sending junk datagram failed")
	}

	// Give socket_reader a moment to route (and discard) it, then confirm
	// the session is still alive and A is unaffected.
	time.Sleep(100 * time.Millisecond)
	if connA.IsConfirmed() {
		t.Fatalf("a stranger's packet must never confirm connA")
	}
	if err := sess.Err(); err != nil {
		t.Fatalf("unexpected fatal error from an unroutable datagram: %v", err)
	}
}

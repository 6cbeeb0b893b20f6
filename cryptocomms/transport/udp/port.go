// Package udp wraps a single, unconnected UDP socket bound to one local
// address: UdpPort from the component design. It keeps the unreliable,
// unordered nature of UDP visible to callers instead of hiding it behind
// retries or buffering.
package udp

import (
	"fmt"
	"net"
	"time"
)

// Datagram is one received UDP packet together with where it came from.
type Datagram struct {
	Payload    []byte
	SourceIP   string
	SourcePort int
}

// Port is a bound, unconnected UDP socket. Not safe for concurrent Send
// and Receive calls from multiple goroutines beyond what *net.UDPConn
// itself guarantees (concurrent ReadFrom/WriteTo from different
// goroutines is safe; concurrent ReadFrom from many goroutines is not,
// matching the single-reader contract in §5).
type Port struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket bound to ipAddr:port. port 0 lets the kernel
// choose; BoundPort reports the result either way.
func Bind(ipAddr string, port int) (*Port, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(ipAddr), Port: port}
	if addr.IP == nil {
		return nil, fmt.Errorf("udp: bad IP address %q for binding", ipAddr)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: could not bind to %s:%d: %w", ipAddr, port, err)
	}
	return &Port{conn: conn}, nil
}

// Send performs an atomic datagram send to dstIP:dstPort. It reports
// false on any failure or short write; callers may retry.
func (p *Port) Send(payload []byte, dstIP string, dstPort int) bool {
	addr := &net.UDPAddr{IP: net.ParseIP(dstIP), Port: dstPort}
	if addr.IP == nil {
		return false
	}
	n, err := p.conn.WriteToUDP(payload, addr)
	if err != nil {
		return false
	}
	return n == len(payload)
}

// Receive blocks until a datagram arrives, then returns it. A nil
// Datagram (with a non-nil error) indicates the read failed.
func (p *Port) Receive() (*Datagram, error) {
	// 65535 comfortably covers the largest possible IPv4 UDP payload
	// (65507 bytes); unlike the C++ original's peek-then-resize loop, a
	// single fixed buffer is simplest and UDP datagrams never span reads.
	buf := make([]byte, 65535)
	n, addr, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("udp: receive: %w", err)
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return &Datagram{
		Payload:    payload,
		SourceIP:   addr.IP.String(),
		SourcePort: addr.Port,
	}, nil
}

// SetReadDeadline bounds the next Receive call. The hot path in §5 never
// calls this — Session relies on poll, not per-operation timeouts — but it
// is useful for diagnostics and for tests driving a bare Port directly.
func (p *Port) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// BoundAddr reports the local IP this Port is bound to.
func (p *Port) BoundAddr() string {
	return p.conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// BoundPort reports the local port this Port is bound to.
func (p *Port) BoundPort() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

// Fd exposes the underlying socket descriptor for poll-like monitoring.
// SyscallConn is used rather than caching the fd at bind time, since the
// runtime may need to briefly retake control of the descriptor around
// the call.
func (p *Port) Fd() (int, error) {
	raw, err := p.conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// Close releases the socket.
func (p *Port) Close() error {
	return p.conn.Close()
}

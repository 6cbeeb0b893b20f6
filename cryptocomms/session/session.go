// Package session implements Session, the concurrency core described in
// §4.I: one socket_reader goroutine, one fifo_monitor goroutine, and N
// connection_worker goroutines sharing a single UdpPort, a single
// SegmentNumGenerator, and an immutable ConnId -> Connection map.
package session

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cryptocomms/cryptocomms/cryptocomms"
	"github.com/cryptocomms/cryptocomms/cryptocomms/connection"
	"github.com/cryptocomms/cryptocomms/cryptocomms/logging"
	"github.com/cryptocomms/cryptocomms/cryptocomms/protocol"
	"github.com/cryptocomms/cryptocomms/cryptocomms/segnum"
	"github.com/cryptocomms/cryptocomms/cryptocomms/transport/udp"
)

// DefaultWorkers is the connection_worker pool size used when a Session
// is not told otherwise.
const DefaultWorkers = 5

// dwellMin and dwellMax bound the adaptive per-worker dwell loop count
// from the connection_worker role in §4.I.
const (
	dwellMin = 5
	dwellMax = 50
)

var sigpipeOnce sync.Once

// Session owns the shared UdpPort and SegmentNumGenerator, dispatches
// inbound datagrams to the owning Connection by ConnId, and schedules
// outbound/inbound work across a fixed worker pool.
type Session struct {
	udpPort *udp.Port
	segGen  *segnum.Generator
	conns   map[protocol.ConnID]*connection.Connection
	log     *logging.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []protocol.ConnID
	queued     map[protocol.ConnID]bool
	busy       map[protocol.ConnID]bool
	monitored  map[protocol.ConnID]int // ConnId -> InFifo fd
	dwellLoops int
	numWorkers int
	stopping   bool
	fatalErr   error

	wg sync.WaitGroup

	socketStopR, socketStopW *os.File
	fifoWakeR, fifoWakeW     *os.File
}

// ignoreSigpipe disables the process-wide broken-pipe signal exactly once
// at Session initialisation, per §5's signal policy.
func ignoreSigpipe() {
	sigpipeOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}

// New builds a Session over an already-constructed set of Connections,
// keyed by their own ConnID(). numWorkers <= 0 selects DefaultWorkers.
func New(udpPort *udp.Port, segGen *segnum.Generator, conns []*connection.Connection, numWorkers int, log *logging.Logger) (*Session, error) {
	ignoreSigpipe()

	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}
	if log == nil {
		log = logging.Default()
	}

	connMap := make(map[protocol.ConnID]*connection.Connection, len(conns))
	for _, c := range conns {
		connMap[c.ConnID()] = c
	}

	socketStopR, socketStopW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("session: creating socket-reader stop pipe: %w", err)
	}
	fifoWakeR, fifoWakeW, err := os.Pipe()
	if err != nil {
		socketStopR.Close()
		socketStopW.Close()
		return nil, fmt.Errorf("session: creating fifo-monitor wake pipe: %w", err)
	}

	s := &Session{
		udpPort:      udpPort,
		segGen:       segGen,
		conns:        connMap,
		log:          log,
		queued:       make(map[protocol.ConnID]bool),
		busy:         make(map[protocol.ConnID]bool),
		monitored:    make(map[protocol.ConnID]int, len(connMap)),
		dwellLoops:   dwellMin,
		numWorkers:   numWorkers,
		socketStopR:  socketStopR,
		socketStopW:  socketStopW,
		fifoWakeR:    fifoWakeR,
		fifoWakeW:    fifoWakeW,
	}
	s.cond = sync.NewCond(&s.mu)
	for id, c := range connMap {
		s.monitored[id] = c.InFifoFd()
	}
	return s, nil
}

// Start launches the socket_reader, fifo_monitor, and connection_worker
// goroutines.
func (s *Session) Start() {
	s.wg.Add(2 + s.numWorkers)
	go s.socketReader()
	go s.fifoMonitor()
	for i := 0; i < s.numWorkers; i++ {
		go s.connectionWorker()
	}
}

// Stop implements §4.I's shutdown sequence: mark stopping, wake every
// goroutine, join them all. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.socketStopW.Write([]byte{1})
	s.fifoWakeW.Write([]byte{1})
	s.wg.Wait()

	s.socketStopR.Close()
	s.socketStopW.Close()
	s.fifoWakeR.Close()
	s.fifoWakeW.Close()
}

// Err returns the first unrecoverable I/O error that forced the Session
// to stop itself, or nil if it is running normally or was stopped
// deliberately via Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// fail records an unrecoverable error and begins shutdown, mirroring
// §4.F's "terminates the Session on unrecoverable [I/O errors]" policy.
// It does not block waiting for goroutines to join, since fail can itself
// be called from one of those goroutines.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	already := s.stopping
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if !already {
		s.log.Errorf("session: stopping after unrecoverable error: %v", err)
		s.socketStopW.Write([]byte{1})
		s.fifoWakeW.Write([]byte{1})
	}
}

// enqueueLocked adds id to connection_queue unless it is already queued or
// currently busy with a worker (§4.I's "at most one of queue/busy/
// monitored" invariant). Caller must hold s.mu.
func (s *Session) enqueueLocked(id protocol.ConnID) {
	if s.queued[id] || s.busy[id] {
		return
	}
	if _, wasMonitored := s.monitored[id]; wasMonitored {
		delete(s.monitored, id)
		s.wakeFifoMonitorLocked()
	}
	s.queue = append(s.queue, id)
	s.queued[id] = true
	s.cond.Signal()
}

// socketReader is role 1 from §4.I: polls the UDP descriptor together
// with the shutdown pipe; on datagram, routes by ConnId and enqueues.
func (s *Session) socketReader() {
	defer s.wg.Done()

	udpFd, err := s.udpPort.Fd()
	if err != nil {
		s.fail(fmt.Errorf("session: socket_reader: getting UDP fd: %w: %w", cryptocomms.ErrIO, err))
		return
	}
	stopFd := int(s.socketStopR.Fd())

	for {
		fds := []unix.PollFd{
			{Fd: int32(udpFd), Events: unix.POLLIN},
			{Fd: int32(stopFd), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.fail(fmt.Errorf("session: socket_reader: poll: %w: %w", cryptocomms.ErrIO, err))
			return
		}
		if n == 0 {
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		dgram, err := s.udpPort.Receive()
		if err != nil {
			s.log.Warnf("session: socket_reader: receive: %v", err)
			continue
		}
		s.routeDatagram(dgram.Payload)
	}
}

func (s *Session) routeDatagram(payload []byte) {
	if len(payload) < protocol.ConnIDSize {
		return
	}
	var connID protocol.ConnID
	copy(connID[:], payload[:protocol.ConnIDSize])

	conn, ok := s.conns[connID]
	if !ok {
		return
	}
	conn.EnqueueInbound(payload)

	s.mu.Lock()
	s.enqueueLocked(connID)
	s.mu.Unlock()
}

// fifoMonitor is role 2 from §4.I: polls the set of currently-monitored
// InFifo descriptors together with the wake pipe.
func (s *Session) fifoMonitor() {
	defer s.wg.Done()

	wakeFd := int(s.fifoWakeR.Fd())
	wakeBuf := make([]byte, 1)

	for {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		fds := make([]unix.PollFd, 0, len(s.monitored)+1)
		ids := make([]protocol.ConnID, 0, len(s.monitored))
		for id, fd := range s.monitored {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			ids = append(ids, id)
		}
		s.mu.Unlock()

		fds = append(fds, unix.PollFd{Fd: int32(wakeFd), Events: unix.POLLIN})

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.fail(fmt.Errorf("session: fifo_monitor: poll: %w: %w", cryptocomms.ErrIO, err))
			return
		}
		if n == 0 {
			continue
		}

		if fds[len(fds)-1].Revents&unix.POLLIN != 0 {
			s.fifoWakeR.Read(wakeBuf)
			// The set may have changed under lock; loop around and
			// rebuild it. If we are now stopping, the top of the loop
			// returns instead of polling again.
			continue
		}

		s.mu.Lock()
		for i, pfd := range fds[:len(fds)-1] {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			id := ids[i]
			delete(s.monitored, id)
			s.enqueueLocked(id)
		}
		s.mu.Unlock()
	}
}

// connectionWorker is role 3 from §4.I.
func (s *Session) connectionWorker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopping {
			s.cond.Wait()
		}
		if s.stopping && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, id)
		s.busy[id] = true
		dwell := s.dwellLoops
		s.mu.Unlock()

		conn, ok := s.conns[id]
		if !ok {
			s.mu.Lock()
			delete(s.busy, id)
			s.mu.Unlock()
			continue
		}

		if _, err := conn.MoveData(dwell); err != nil {
			// A SegmentNumGenerator exhaustion bubbling up through
			// Connection.sendData is FatalReservationError, not a plain
			// I/O fault: classify it distinctly so an operator reading
			// the log (or a caller inspecting Err() via errors.Is) can
			// tell "the 48-bit SegNum space ran out" apart from "a
			// socket or FIFO broke".
			wrapped := cryptocomms.ErrIO
			if errors.Is(err, segnum.ErrFatalReservation) {
				wrapped = cryptocomms.ErrFatalReservation
			}
			s.fail(fmt.Errorf("session: connection_worker: %x: %w: %w", id, wrapped, err))
			s.mu.Lock()
			delete(s.busy, id)
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		delete(s.busy, id)
		if conn.HasInboundWork() {
			s.enqueueLocked(id)
		} else {
			s.monitored[id] = conn.InFifoFd()
			s.wakeFifoMonitorLocked()
		}
		s.adjustDwellLocked()
		s.mu.Unlock()
	}
}

// wakeFifoMonitorLocked signals fifo_monitor to rebuild its poll set
// after the monitored set changed. Caller must hold s.mu. The write is a
// single byte into a pipe with ample kernel buffer for this purpose, so
// it does not block in practice even under repeated calls before
// fifo_monitor drains them.
func (s *Session) wakeFifoMonitorLocked() {
	s.fifoWakeW.Write([]byte{1})
}

// adjustDwellLocked implements the adaptive dwell_loops rule from §4.I:
// decrement when active+queued ConnIds exceed the worker count, increment
// otherwise, clamped to [dwell_min, dwell_max]. Caller must hold s.mu.
func (s *Session) adjustDwellLocked() {
	active := len(s.busy) + len(s.queue)
	if active > s.numWorkers {
		if s.dwellLoops > dwellMin {
			s.dwellLoops--
		}
	} else if s.dwellLoops < dwellMax {
		s.dwellLoops++
	}
}

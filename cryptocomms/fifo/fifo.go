// Package fifo wraps the read and write ends of a named pipe, giving
// Connection's local data interface nonblocking I/O and a pollable file
// descriptor. InFifo carries bytes from the local user into the tunnel;
// OutFifo carries decrypted bytes from the tunnel back out to the user.
package fifo

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fifoPerm matches "owner rw, group/other r" from the external
// interfaces section: created fifos are readable by group/other but
// writable only by the owning process.
const fifoPerm = 0o644

// openFifo creates path as a named pipe if it does not already exist,
// verifies any existing file at path really is a fifo, and opens it
// nonblocking in the given mode, returning a raw descriptor.
//
// This deliberately opens with unix.Open rather than os.OpenFile. On
// Linux, os.OpenFile's newFile registers any fifo with the runtime
// poller regardless of O_NONBLOCK, so a subsequent (*os.File).Read or
// Write parks the calling goroutine in internal/poll until data or room
// shows up instead of returning EAGAIN — exactly the blocking behaviour
// this package exists to avoid. A raw unix fd never gets that
// registration, so EAGAIN surfaces to the caller as advertised.
func openFifo(path string, flag int) (int, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode()&os.ModeNamedPipe == 0 {
			return -1, fmt.Errorf("fifo: %s exists and is not a FIFO", path)
		}
	case os.IsNotExist(err):
		if mkErr := unix.Mkfifo(path, fifoPerm); mkErr != nil {
			return -1, fmt.Errorf("fifo: creating %s: %w", path, mkErr)
		}
	default:
		return -1, fmt.Errorf("fifo: stat %s: %w", path, err)
	}

	for {
		fd, err := unix.Open(path, flag|unix.O_NONBLOCK, 0)
		if err == nil {
			return fd, nil
		}
		if err == unix.EINTR {
			continue
		}
		return -1, fmt.Errorf("fifo: opening %s: %w", path, err)
	}
}

// InFifo is the read end: bytes the local user writes into the tunnel.
// A write-end descriptor is held open for the fifo's whole lifetime so
// that poll() never sees a spurious POLLHUP between user writers.
type InFifo struct {
	path      string
	readFd    int
	keepAlive int
}

// NewInFifo creates (if absent) and opens path for nonblocking read.
func NewInFifo(path string) (*InFifo, error) {
	readFd, err := openFifo(path, unix.O_RDONLY)
	if err != nil {
		return nil, err
	}
	keepAlive, err := openFifo(path, unix.O_WRONLY)
	if err != nil {
		unix.Close(readFd)
		return nil, err
	}
	return &InFifo{path: path, readFd: readFd, keepAlive: keepAlive}, nil
}

// Read returns up to max bytes without blocking. An empty result means
// the pipe is currently empty, or its last writer has closed it.
func (f *InFifo) Read(max int) ([]byte, error) {
	if f.readFd == -1 {
		return nil, fmt.Errorf("fifo: read on closed InFifo %s", f.path)
	}
	buf := make([]byte, max)
	total := 0
	for total < max {
		n, err := unix.Read(f.readFd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			if total > 0 {
				break
			}
			return nil, fmt.Errorf("fifo: reading %s: %w", f.path, err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return buf[:total], nil
}

// Fd exposes the read descriptor for poll-like readiness monitoring.
func (f *InFifo) Fd() int {
	return f.readFd
}

// Close releases both descriptors.
func (f *InFifo) Close() error {
	if f.readFd == -1 {
		return nil
	}
	err1 := unix.Close(f.readFd)
	err2 := unix.Close(f.keepAlive)
	f.readFd, f.keepAlive = -1, -1
	if err1 != nil {
		return err1
	}
	return err2
}

// OutFifo is the write end: decrypted bytes delivered out to the user.
type OutFifo struct {
	path    string
	writeFd int
}

// NewOutFifo creates (if absent) and opens path for nonblocking write.
// Opening for write requires the fifo to already have a reader, so a
// throwaway read descriptor is opened first and closed immediately
// after, mirroring the POSIX workaround for fifos with no reader yet.
// Writing to the descriptor returned here can raise SIGPIPE if the
// process-wide signal has not been masked yet; Session.New is solely
// responsible for that, per §5, and must run before any OutFifo write is
// attempted.
func NewOutFifo(path string) (*OutFifo, error) {
	reader, err := openFifo(path, unix.O_RDONLY)
	if err != nil {
		return nil, err
	}
	writer, err := openFifo(path, unix.O_WRONLY)
	unix.Close(reader)
	if err != nil {
		return nil, err
	}
	return &OutFifo{path: path, writeFd: writer}, nil
}

// Write makes a best-effort nonblocking delivery of data. written
// reports how many bytes made it through; broken reports whether the
// read end has closed (EPIPE).
func (f *OutFifo) Write(data []byte) (written int, broken bool, err error) {
	if f.writeFd == -1 {
		return 0, false, fmt.Errorf("fifo: write on closed OutFifo %s", f.path)
	}
	for written < len(data) {
		n, werr := unix.Write(f.writeFd, data[written:])
		if werr != nil {
			if werr == unix.EINTR {
				continue
			}
			if werr == unix.EPIPE {
				return written, true, nil
			}
			if werr == unix.EAGAIN {
				break
			}
			return written, false, fmt.Errorf("fifo: writing %s: %w", f.path, werr)
		}
		written += n
	}
	return written, false, nil
}

// Fd exposes the write descriptor for poll-like readiness monitoring.
func (f *OutFifo) Fd() int {
	return f.writeFd
}

// Close releases the write descriptor.
func (f *OutFifo) Close() error {
	if f.writeFd == -1 {
		return nil
	}
	err := unix.Close(f.writeFd)
	f.writeFd = -1
	return err
}

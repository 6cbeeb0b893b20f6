// Package segnum implements SegmentNumGenerator: a monotone, crash-safe
// allocator of 48-bit segment numbers, backed by a pair of redundant
// files so that a crash mid-write never loses the "never reuse a number"
// guarantee.
package segnum

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cryptocomms/cryptocomms/cryptocomms/clock"
	"github.com/cryptocomms/cryptocomms/cryptocomms/protocol"
)

// MaxSegNum is the largest legal SegNum value, 2^48-1.
const MaxSegNum = protocol.MaxNum

var (
	// ErrConfig mirrors the ConfigError taxonomy entry: New or SetReserved
	// called with a reserved size of 0.
	ErrConfig = errors.New("segnum: reserved size must be at least 1")

	// ErrStartup mirrors StartupError: neither persistence file is valid
	// when a reservation is attempted (New does not read the files, so
	// this surfaces from the first Next), so there is no safe starting
	// point. A reservation that cannot be persisted also wraps it.
	ErrStartup = errors.New("segnum: no valid stored segment number file")

	// ErrFatalReservation mirrors FatalReservationError: a reservation
	// would cross 2^48-1, or the system clock is hostile (>= 2^48-1 ms
	// since the epoch). The Session must stop.
	ErrFatalReservation = errors.New("segnum: cannot reserve without crossing the 48-bit segment number limit")
)

const writeRetryLimit = 50

// Generator allocates SegNums that are strictly increasing within a
// process and strictly greater than any SegNum any previous process run
// could have produced. It is safe for concurrent use.
type Generator struct {
	mu           sync.Mutex
	pathFirst    string
	pathSecond   string
	reservedSize uint64
	next         uint64
	high         uint64
}

// New constructs a Generator backed by "<pathBase>_FIRST" and
// "<pathBase>_SECOND". At least one of those files must already exist,
// formatted per the persistence rules, holding a small positive seed
// value — this package never starts from scratch when neither is valid,
// since auto-creation would weaken the "never reuse a segment number"
// guarantee across reinstalls. A missing file whose partner is valid is
// recreated by the next reservation's write.
func New(pathBase string, reservedSize uint64) (*Generator, error) {
	if reservedSize < 1 {
		return nil, ErrConfig
	}
	g := &Generator{
		pathFirst:    pathBase + "_FIRST",
		pathSecond:   pathBase + "_SECOND",
		reservedSize: reservedSize,
	}
	// next == high triggers a reservation on the first call to Next.
	g.next, g.high = 0, 0
	return g, nil
}

// SetReserved changes how many SegNums are reserved per allocation round.
// Mutually exclusive with concurrent calls to Next in the sense that
// both take the Generator's lock; callers typically call SetReserved once
// at startup before the first Next.
func (g *Generator) SetReserved(n uint64) error {
	if n < 1 {
		return ErrConfig
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reservedSize = n
	return nil
}

// Next returns the next SegNum, triggering a fresh reservation when the
// in-memory reserve is exhausted.
func (g *Generator) Next() (protocol.SegNum, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next == g.high {
		if err := g.reserve(); err != nil {
			return 0, err
		}
	}
	out := g.next
	g.next++
	return protocol.SegNum(out), nil
}

// reserve implements the five-step reservation algorithm from §4.B.
// Caller must hold g.mu.
func (g *Generator) reserve() error {
	stored, err := readMaxStored(g.pathFirst, g.pathSecond)
	if err != nil {
		return err
	}
	if stored < 1 {
		return ErrStartup
	}

	now := clock.NowMS()
	if now >= MaxSegNum {
		return ErrFatalReservation
	}

	// Spin until the clock strictly advances at least once, guarding
	// against regenerating an identical timestamp-derived number across
	// runs that start within the same millisecond.
	base := now
	for now == base {
		time.Sleep(time.Millisecond)
		now = clock.NowMS()
	}

	next := stored + 1
	if now > next {
		next = now
	}
	high := next + g.reservedSize
	if high > MaxSegNum {
		return ErrFatalReservation
	}

	if err := writeBothWithRetry(g.pathFirst, g.pathSecond, high-1); err != nil {
		return err
	}

	g.next = next
	g.high = high
	return nil
}

// readMaxStored returns the larger of the two files' stored values. At
// least one file must be valid, else ErrStartup.
func readMaxStored(pathFirst, pathSecond string) (uint64, error) {
	v1, ok1 := readValidFile(pathFirst)
	v2, ok2 := readValidFile(pathSecond)
	switch {
	case ok1 && ok2:
		if v1 > v2 {
			return v1, nil
		}
		return v2, nil
	case ok1:
		return v1, nil
	case ok2:
		return v2, nil
	default:
		return 0, ErrStartup
	}
}

// readValidFile parses a persistence file: valid iff lines 1 and 2 exist,
// are byte-equal, contain only decimal digits, any further lines are
// empty, and the decoded value is strictly less than 2^48-1.
func readValidFile(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}
	line1 := scanner.Text()
	if !scanner.Scan() {
		return 0, false
	}
	line2 := scanner.Text()
	if line1 != line2 {
		return 0, false
	}
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			return 0, false
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false
	}
	if !isAllDigits(line1) {
		return 0, false
	}
	v, err := strconv.ParseUint(line1, 10, 64)
	if err != nil {
		return 0, false
	}
	if v >= MaxSegNum {
		return 0, false
	}
	return v, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// writeBothWithRetry writes value to both persistence files, verifying
// each write by re-reading it, retrying with a 100ms backoff on mismatch.
func writeBothWithRetry(pathFirst, pathSecond string, value uint64) error {
	if err := writeFileWithRetry(pathFirst, value); err != nil {
		return err
	}
	if err := writeFileWithRetry(pathSecond, value); err != nil {
		return err
	}
	return nil
}

func writeFileWithRetry(path string, value uint64) error {
	for attempt := 0; attempt < writeRetryLimit; attempt++ {
		if err := writeFile(path, value); err != nil {
			return fmt.Errorf("segnum: writing %s: %w", path, err)
		}
		if v, ok := readValidFile(path); ok && v == value {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("%w: could not persist segment number to %s after %d attempts", ErrStartup, path, writeRetryLimit)
}

func writeFile(path string, value uint64) error {
	line := strconv.FormatUint(value, 10)
	content := line + "\n" + line + "\n"

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

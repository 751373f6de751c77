// Package transport implements the platform-abstract local IPC layer
// described in spec §4.1: a single rendezvous endpoint on which petitions
// are accepted, and a fresh reply endpoint allocated per petition. Two
// concrete implementations exist — a Unix-domain-socket transport (unix.go)
// for POSIX hosts and a named-pipe transport (pipe_windows.go, built only
// on windows) — behind the Transport interface so the dispatcher never sees
// the difference.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// endMarker terminates a command frame read on the rendezvous connection
// when the peer does not half-close its write side (§4.1 accept_petition).
const endMarker = 0x00

// acceptResult is what each platform's background accept loop hands to
// WaitForPetition.
type acceptResult struct {
	conn net.Conn
	err  error
}

// ErrStopped is returned by WaitForPetition after StopWaiting unblocks it.
var ErrStopped = errors.New("transport: stopped")

// ErrFatalInit is returned by Init when the rendezvous endpoint is already
// bound by a live foreign process — the one condition spec §7 names as
// fatal at startup.
var ErrFatalInit = errors.New("transport: rendezvous endpoint already in use")

// Petition is one accepted command request plus its dedicated reply
// endpoint, §3. It is created by the transport's AcceptPetition and owned
// exclusively by the worker it is handed to.
type Petition struct {
	// RunID correlates this petition with its worker's reap-list entry
	// independent of OS thread identity (§5, §9 design note on ambient
	// thread-local context).
	RunID uuid.UUID

	Line        string
	Interactive bool

	// Ctx is cancelled once Disconnected is observed, satisfying the §9
	// design note on cooperative cancellation: command bodies may check it
	// at SDK call boundaries and at partial-write boundaries.
	Ctx    context.Context
	cancel context.CancelFunc

	reply        net.Conn
	disconnected atomic.Bool
}

// NewPetition wraps an accepted reply-endpoint connection into a Petition.
func NewPetition(line string, interactive bool, reply net.Conn) *Petition {
	ctx, cancel := context.WithCancel(context.Background())
	return &Petition{
		RunID:       uuid.New(),
		Line:        line,
		Interactive: interactive,
		Ctx:         ctx,
		cancel:      cancel,
		reply:       reply,
	}
}

// Disconnected reports whether a prior write to the reply endpoint failed
// with a broken-peer error (§3, §5 "Cancellation").
func (p *Petition) Disconnected() bool { return p.disconnected.Load() }

// markDisconnected flips Disconnected and cancels Ctx exactly once.
func (p *Petition) markDisconnected() {
	if p.disconnected.CompareAndSwap(false, true) {
		p.cancel()
	}
}

// Transport is the platform-abstract IPC contract, §4.1.
type Transport interface {
	// Init binds the rendezvous endpoint. Fatal on failure: the endpoint is
	// already in use by a foreign owner.
	Init() error

	// WaitForPetition blocks until a connection is pending on the
	// rendezvous endpoint or StopWaiting is called, in which case it
	// returns ErrStopped.
	WaitForPetition() error

	// StopWaiting cancels a blocked WaitForPetition.
	StopWaiting()

	// AcceptPetition accepts one rendezvous connection, reads the command
	// frame, allocates a fresh reply endpoint, and returns the resulting
	// Petition. On a transient accept failure it triggers sweep and returns
	// ErrTransientAccept; the dispatcher discards the (nil) petition in
	// that case, matching the source's sentinel "ERROR" petition.
	AcceptPetition() (*Petition, error)

	// WriteResult writes the terminal reply frame and marks the petition
	// disconnected (without returning an error) if the peer is gone.
	WriteResult(p *Petition, outCode int32, body []byte)

	// WritePartial writes a PARTIAL frame. Silently a no-op once the
	// petition is already marked disconnected.
	WritePartial(p *Petition, body []byte)

	// RequestConfirm/RequestString implement the interactive prompt frames.
	RequestConfirm(p *Petition, prompt string) (int32, error)
	RequestString(p *Petition, prompt string) (string, error)

	// InformListener writes a raw state frame to a listener's reply
	// endpoint (§4.4). It returns an error iff the peer is gone, which the
	// listener registry uses to drive eviction.
	InformListener(p *Petition, frame []byte) error

	// ClosePetition releases the reply endpoint.
	ClosePetition(p *Petition)

	// Close tears down the rendezvous endpoint.
	Close() error

	// OnSweepNeeded registers a callback invoked when the transport detects
	// descriptor exhaustion and needs the listener registry to sweep dead
	// peers (§4.1, §4.4 sweep_dead).
	OnSweepNeeded(fn func())
}

// ErrTransientAccept is returned by AcceptPetition for a recoverable accept
// failure (peer reset, descriptor exhaustion). The dispatcher discards the
// petition and continues its loop.
var ErrTransientAccept = errors.New("transport: transient accept failure")

// sweepHook is shared plumbing for the per-platform implementations: a
// registered callback plus the mutex that guards setting it once at
// startup.
type sweepHook struct {
	mu sync.Mutex
	fn func()
}

func (s *sweepHook) set(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *sweepHook) call() {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// replyRetryAttempts / replyRetryMinDelay / replyRetryMaxDelay implement the
// §7 "Fatal conditions" / SPEC_FULL supplemented-feature retry loop for
// reply-endpoint creation: 10 attempts, 200-500ms jittered backoff.
const (
	replyRetryAttempts = 10
	replyRetryMinDelay = 200 * time.Millisecond
	replyRetryMaxDelay = 500 * time.Millisecond
)

func retryBackoff(attempt int) time.Duration {
	span := replyRetryMaxDelay - replyRetryMinDelay
	// Deterministic spread across attempts rather than real randomness:
	// the transport has no source of entropy wired in and doesn't need one
	// to satisfy the jitter requirement.
	step := time.Duration(attempt%5) * (span / 5)
	return replyRetryMinDelay + step
}

// errFatalReplyEndpoint wraps the §7 fatal condition: reply-endpoint
// creation failed after every retry attempt.
var errFatalReplyEndpoint = errors.New("transport: could not allocate reply endpoint")

// IsFatalReplyEndpoint reports whether err is (or wraps) the fatal
// reply-endpoint-creation failure that must abort the process.
func IsFatalReplyEndpoint(err error) bool {
	return errors.Is(err, errFatalReplyEndpoint)
}

// readCommandFrame reads bytes off conn until endMarker or the peer closes
// its write side, shared by both platform implementations' AcceptPetition.
func readCommandFrame(conn net.Conn) (string, error) {
	r := bufio.NewReader(conn)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
		if b == endMarker {
			break
		}
		line = append(line, b)
	}
	return string(line), nil
}

// writeReplyID writes the little-endian reply-endpoint id back on the
// rendezvous connection (§4.1 accept_petition), shared by both platform
// implementations.
func writeReplyID(conn net.Conn, id uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	_, err := conn.Write(buf[:])
	return err
}

// trimNewline strips trailing CR/LF from a line-buffered REQSTRING read,
// shared by both platform implementations' RequestString.
func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Package listenerregistry implements the bounded listener set described in
// spec §4.4: registration, broadcast/unicast fan-out, and eviction of dead
// peers. Fan-out happens synchronously on the calling goroutine — §5 is
// explicit that listener delivery is not handed off to a dedicated thread.
package listenerregistry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/megacmd/megacmd/internal/transport"
	"github.com/sirupsen/logrus"
)

// defaultMaxListeners is the §4.4 fallback when the host exposes no usable
// RLIMIT_NOFILE (Windows, or a Getrlimit failure).
const defaultMaxListeners = 200

// ErrRegistryFull is returned by Register when the bound is reached.
var ErrRegistryFull = errors.New("listenerregistry: max_listeners reached")

// entry is one registered listener.
type entry struct {
	clientID     uint64
	registeredAt time.Time
	petition     *transport.Petition
}

// Registry is the bounded, ordered set of registered listeners. Structural
// changes (register, evict) are guarded by mu; writes to listener endpoints
// are additionally serialized by writeMu so one message's bytes are never
// interleaved with another's on the same connection (§5).
//
// The source's recursive_mutex around structural changes has no Go
// equivalent need here: every structural operation below takes mu exactly
// once and never calls back into another structural operation while holding
// it, so a plain sync.Mutex is sufficient.
type Registry struct {
	tr  transport.Transport
	log *logrus.Entry

	maxListenersOverride int // 0 means "derive from RLIMIT_NOFILE, else default"

	mu       sync.Mutex
	writeMu  sync.Mutex
	entries  []*entry
	nextID   atomic.Uint64
	prompt   atomic.Value // string
	greeting string
}

// New constructs a Registry. maxListenersOverride, when non-zero, pins
// max_listeners instead of deriving it from RLIMIT_NOFILE each call.
// greeting, when non-empty, is sent as a one-shot message: frame to every
// newly registered listener (§4.4 step 7).
func New(tr transport.Transport, log *logrus.Entry, maxListenersOverride int, greeting string) *Registry {
	r := &Registry{
		tr:                   tr,
		log:                  log,
		maxListenersOverride: maxListenersOverride,
		greeting:             greeting,
	}
	r.prompt.Store("")
	return r
}

// SetPrompt updates the prompt text newly registered listeners receive and
// that a future changeprompt-driven broadcast would push.
func (r *Registry) SetPrompt(prompt string) {
	r.prompt.Store(prompt)
}

func (r *Registry) currentPrompt() string {
	return r.prompt.Load().(string)
}

// maxListeners samples the bound fresh on every call (§5): a later
// RLIMIT_NOFILE change takes effect on the very next registration.
func (r *Registry) maxListeners() int {
	if r.maxListenersOverride > 0 {
		return r.maxListenersOverride
	}
	if derived, ok := rlimitDerivedCap(); ok && derived > 0 {
		return derived
	}
	return defaultMaxListeners
}

// Register promotes p to a listener (§4.4 register). On success it writes
// the clientID: and prompt: frames (and the greeting, if configured) to the
// new listener before returning its id.
func (r *Registry) Register(p *transport.Petition) (uint64, error) {
	r.mu.Lock()
	r.sweepDeadLocked()

	if len(r.entries) >= r.maxListeners() {
		r.mu.Unlock()
		r.log.WithField("component", "listenerregistry").Warn("registration rejected: max_listeners reached")
		return 0, ErrRegistryFull
	}

	id := r.nextID.Add(1)
	e := &entry{clientID: id, registeredAt: time.Now(), petition: p}
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.tr.InformListener(p, protocol.EncodeStateFrame(protocol.ClientIDFrame(id)))
	r.tr.InformListener(p, protocol.EncodeStateFrame(protocol.PromptFrame(r.currentPrompt())))
	if r.greeting != "" {
		r.tr.InformListener(p, protocol.EncodeStateFrame(protocol.MessageFrame(r.greeting)))
	}

	return id, nil
}

// Broadcast fans message out to every registered listener, evicting any
// whose write fails (§4.4 broadcast). Returns the remaining listener count.
func (r *Registry) Broadcast(message string) int {
	return r.broadcastFrame(protocol.EncodeStateFrame(message))
}

func (r *Registry) broadcastFrame(frame []byte) int {
	r.mu.Lock()
	targets := make([]*entry, len(r.entries))
	copy(targets, r.entries)
	r.mu.Unlock()

	r.writeMu.Lock()
	dead := make(map[uint64]bool)
	for _, e := range targets {
		if err := r.tr.InformListener(e.petition, frame); err != nil {
			dead[e.clientID] = true
		}
	}
	r.writeMu.Unlock()

	if len(dead) > 0 {
		r.evict(dead)
	}

	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}

// Unicast sends message to the single listener with the given client id
// (§4.4 unicast). Returns an error if no such listener is registered, or if
// the write failed (in which case the listener is evicted).
func (r *Registry) Unicast(clientID uint64, message string) error {
	r.mu.Lock()
	var target *entry
	for _, e := range r.entries {
		if e.clientID == clientID {
			target = e
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return errors.New("listenerregistry: no listener with that client id")
	}

	r.writeMu.Lock()
	err := r.tr.InformListener(target.petition, protocol.EncodeStateFrame(message))
	r.writeMu.Unlock()

	if err != nil {
		r.evict(map[uint64]bool{clientID: true})
	}
	return err
}

// SweepDead is equivalent to Broadcast("ack") (§4.4 sweep_dead): a liveness
// probe whose only purpose is to drive eviction of peers that have gone
// away since the last fan-out.
func (r *Registry) SweepDead() int {
	return r.Broadcast("ack")
}

func (r *Registry) sweepDeadLocked() {
	// Called with mu already held (from Register); broadcasting here would
	// deadlock on mu, so this only probes existing entries' already-known
	// disconnected state rather than performing a fresh write round trip.
	if len(r.entries) == 0 {
		return
	}
	survivors := r.entries[:0:0]
	for _, e := range r.entries {
		if !e.petition.Disconnected() {
			survivors = append(survivors, e)
		}
	}
	r.entries = survivors
}

// evict removes every entry whose client id is in dead, closing its
// petition's reply endpoint.
func (r *Registry) evict(dead map[uint64]bool) {
	r.mu.Lock()
	survivors := r.entries[:0:0]
	var evicted []*entry
	for _, e := range r.entries {
		if dead[e.clientID] {
			evicted = append(evicted, e)
			continue
		}
		survivors = append(survivors, e)
	}
	r.entries = survivors
	r.mu.Unlock()

	for _, e := range evicted {
		r.tr.ClosePetition(e.petition)
	}
}

// Count returns the current number of registered listeners.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

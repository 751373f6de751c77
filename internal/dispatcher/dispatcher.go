// Package dispatcher implements the single-threaded accept loop described
// in spec §4.2: classify each accepted petition, handle the lightweight
// intents inline, and route everything else through the worker pool under
// the bounded-parallelism semaphore.
package dispatcher

import (
	"context"
	"errors"

	"github.com/megacmd/megacmd/internal/listenerregistry"
	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/megacmd/megacmd/internal/transport"
	"github.com/megacmd/megacmd/internal/worker"
	"github.com/sirupsen/logrus"
)

// SessionState is the narrow external-collaborator surface the dispatcher
// needs from the remote-storage session (§1 Non-goals: the SDK itself is
// out of scope, but loggedin/retrycons need an answer from somewhere).
type SessionState interface {
	LoggedIn() bool
	RetryPendingConnections()
}

// Dispatcher is the accept loop, §4.2.
type Dispatcher struct {
	tr       transport.Transport
	pool     *worker.Pool
	registry *listenerregistry.Registry
	session  SessionState
	log      *logrus.Entry
}

// New constructs a Dispatcher wired to its collaborators.
func New(tr transport.Transport, pool *worker.Pool, registry *listenerregistry.Registry, session SessionState, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{tr: tr, pool: pool, registry: registry, session: session, log: log}
}

// Run executes the accept loop until WaitForPetition returns ErrStopped:
// after a shutdown petition has fully drained (§4.2, §5 "shutdown drain"),
// or after an external StopWaiting call. Cancelling ctx alone does not end
// the loop; it only makes petitions that need a worker slot get an
// EUnexpected reply. The drain itself is the
// transport's job: a shutdown worker only calls StopWaiting after its
// terminal frame has been written (worker.Pool's onShutdown hook), so a
// pending WaitForPetition never unblocks with ErrStopped until that frame
// is on the wire.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := d.tr.WaitForPetition(); err != nil {
			if errors.Is(err, transport.ErrStopped) {
				return nil
			}
			return err
		}

		p, err := d.tr.AcceptPetition()
		if err != nil {
			if errors.Is(err, transport.ErrTransientAccept) {
				continue
			}
			return err
		}
		if p == nil {
			// Mirrors the source's sentinel "ERROR" petition: transport
			// signals a transient failure via ErrTransientAccept above and
			// never actually hands back a nil Petition with a nil error,
			// but this guard keeps the loop safe if that contract is ever
			// relaxed.
			continue
		}

		for _, rec := range d.pool.Reap() {
			d.log.WithField("component", "dispatcher").WithField("run_id", rec.RunID).
				Debugf("reaped worker for %q (out-code %d)", rec.Line, rec.OutCode)
		}

		d.route(ctx, p)
	}
}

func (d *Dispatcher) route(ctx context.Context, p *transport.Petition) {
	classified := protocol.Classify(p.Line)

	switch classified.Intent {
	case protocol.IntentListenerRegister:
		d.handleRegister(p)
	case protocol.IntentLivenessAck:
		d.registry.SweepDead()
		d.tr.WriteResult(p, protocol.OK, nil)
		d.tr.ClosePetition(p)
	case protocol.IntentRetryConnection:
		if d.session != nil {
			d.session.RetryPendingConnections()
		}
		d.tr.WriteResult(p, protocol.OK, nil)
		d.tr.ClosePetition(p)
	case protocol.IntentLoginStateQuery:
		code := protocol.NotLoggedIn
		if d.session != nil && d.session.LoggedIn() {
			code = protocol.OK
		}
		d.tr.WriteResult(p, code, nil)
		d.tr.ClosePetition(p)
	case protocol.IntentCompletionQuery:
		// Completion computation is an external-collaborator concern (§1);
		// this core only guarantees the synchronous, no-worker-spawned
		// wire contract §4.2 promises.
		d.tr.WriteResult(p, protocol.OK, nil)
		d.tr.ClosePetition(p)
	default:
		isShutdown := classified.Intent == protocol.IntentShutdown
		if err := d.pool.Acquire(ctx); err != nil {
			d.tr.WriteResult(p, protocol.EUnexpected, []byte("server shutting down"))
			d.tr.ClosePetition(p)
			return
		}
		d.pool.Spawn(p, isShutdown, d.tr.StopWaiting)
	}
}

func (d *Dispatcher) handleRegister(p *transport.Petition) {
	if _, err := d.registry.Register(p); err != nil {
		// §8 "max-listener bound": the rejected client gets a negative
		// acknowledgement and its reply endpoint is closed.
		d.tr.WriteResult(p, protocol.NotPermitted, []byte(err.Error()))
		d.tr.ClosePetition(p)
		return
	}
	// On success the registry itself has already written the clientID:/
	// prompt: frames directly to the listener's reply endpoint; the
	// petition is now owned by the registry and stays open.
}

// megacmdserver is the background daemon that brokers petitions from
// megacmd front-ends and distributes state to registered listeners.
//
// Usage:
//
//	megacmdserver [--max-workers N] [--max-listeners N]
//
// The daemon listens on the rendezvous endpoint resolved per §6.3 (a Unix
// domain socket or, on Windows, a named pipe) and handles commands from
// megacmd clients. megacmd does not start it: when no daemon is listening,
// megacmd reports that megacmdserver is not running and exits with code 1.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/megacmd/megacmd/internal/config"
	"github.com/megacmd/megacmd/internal/dispatcher"
	"github.com/megacmd/megacmd/internal/listenerregistry"
	"github.com/megacmd/megacmd/internal/logging"
	"github.com/megacmd/megacmd/internal/transport"
	"github.com/megacmd/megacmd/internal/worker"
)

// noSession answers loggedin/retrycons queries when no remote-storage
// session is wired up (§1 Non-goals: the SDK collaborator is out of scope
// for this core).
type noSession struct{}

func (noSession) LoggedIn() bool           { return false }
func (noSession) RetryPendingConnections() {}

func main() {
	maxWorkers := flag.Int("max-workers", 0, "bounded worker pool size (env: MEGACMD_MAX_WORKERS, default 100)")
	maxListeners := flag.Int("max-listeners", 0, "listener registry bound (env: MEGACMD_MAX_LISTENERS, default derived from RLIMIT_NOFILE)")
	flag.Parse()

	cfg := config.Load(*maxWorkers, *maxListeners)
	log := logging.New(cfg.LogLevel)
	entry := log.WithField("component", "megacmdserver")

	tr := transport.New(entry)
	if err := tr.Init(); err != nil {
		if errors.Is(err, transport.ErrFatalInit) {
			fmt.Fprintln(os.Stderr, "megacmdserver: another instance is already running")
			os.Exit(1)
		}
		entry.Fatalf("transport init: %v", err)
	}

	registry := listenerregistry.New(tr, entry, cfg.MaxListeners, "")
	tr.OnSweepNeeded(func() { registry.SweepDead() })
	pool := worker.NewPool(tr, entry, cfg.MaxWorkers, worker.DefaultRegistry())
	d := dispatcher.New(tr, pool, registry, noSession{}, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		entry.Infof("received %v, shutting down", sig)
		cancel()
		tr.StopWaiting()
	}()

	entry.WithField("max_workers", cfg.MaxWorkers).Info("megacmdserver listening")

	// Shutdown aggregates the dispatcher's own return (normally nil; §5
	// "shutdown drain" guarantees it only returns once the in-flight
	// worker's terminal frame is written) with the rendezvous endpoint's
	// teardown error, rather than losing one to the other via a bare defer.
	var shutdown *multierror.Error
	if err := d.Run(ctx); err != nil {
		shutdown = multierror.Append(shutdown, fmt.Errorf("dispatcher run: %w", err))
	}
	if err := tr.Close(); err != nil {
		shutdown = multierror.Append(shutdown, fmt.Errorf("transport close: %w", err))
	}
	if shutdown.ErrorOrNil() != nil {
		entry.Fatalf("shutdown: %v", shutdown)
	}
}

package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/megacmd/megacmd/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ReapRecord is what a finished worker leaves for the dispatcher to collect
// (§5 "finished-worker reap list").
type ReapRecord struct {
	RunID   uuid.UUID
	Line    string
	OutCode int32
}

// Pool is the fixed-capacity command-worker pool (§4.3, §5): the dispatcher
// acquires a slot before handing off a petition; the worker releases it on
// completion.
type Pool struct {
	tr       transport.Transport
	log      *logrus.Entry
	sem      *semaphore.Weighted
	registry map[string]CommandFunc

	reapMu sync.Mutex
	reap   []ReapRecord
}

// NewPool constructs a pool bounded at maxWorkers concurrent command
// workers (§5 default 100).
func NewPool(tr transport.Transport, log *logrus.Entry, maxWorkers int, registry map[string]CommandFunc) *Pool {
	return &Pool{
		tr:       tr,
		log:      log,
		sem:      semaphore.NewWeighted(int64(maxWorkers)),
		registry: registry,
	}
}

// Acquire blocks until a worker slot is free or ctx is cancelled (§4.2 step
// 6: "acquire the global worker semaphore").
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Spawn runs one petition to completion on a fresh goroutine, releasing the
// semaphore slot acquired by the caller on return. onShutdown is invoked
// (synchronously, before the goroutine exits) iff the petition classified
// as a shutdown command — see the step 8 note below for why this ignores
// the interactive flag.
func (p *Pool) Spawn(petition *transport.Petition, isShutdown bool, onShutdown func()) {
	go p.run(petition, isShutdown, onShutdown)
}

func (p *Pool) run(petition *transport.Petition, isShutdown bool, onShutdown func()) {
	defer p.sem.Release(1)

	wctx := NewContext(p.tr, petition)
	defer p.recordReap(petition, wctx)

	tokens := Tokenize(petition.Line, false)
	if len(tokens) == 0 {
		wctx.SetOutCode(protocol.EARGS)
		p.finish(petition, wctx)
		return
	}

	name := tokens[0]
	spec := Vocabulary[name]
	parsed, err := ParseArgs(spec, tokens[1:])
	if err != nil {
		wctx.SetOutCode(protocol.EARGS)
		fmt.Fprintf(wctx.Out, "usage error: %v\n", err)
		p.finish(petition, wctx)
		return
	}

	fn, ok := p.registry[name]
	if !ok {
		wctx.SetOutCode(protocol.EARGS)
		fmt.Fprintf(wctx.Out, "unknown command: %s\n", name)
		p.finish(petition, wctx)
		return
	}

	p.runCommandSafely(fn, wctx, parsed)
	p.finish(petition, wctx)

	// Step 8 of §4.3 reads "(the request is non-interactive OR the petition
	// was shell-originated)" for when to unblock the dispatcher on a
	// shutdown petition. Since every petition is exactly one of
	// interactive/non-interactive, that disjunction is always true; this
	// core takes it at face value and always calls stop_waiting on any
	// shutdown petition rather than inventing a narrower condition the
	// prose doesn't actually specify.
	if isShutdown && onShutdown != nil {
		onShutdown()
	}
}

// runCommandSafely recovers a panicking command body into out-code
// EUNEXPECTED so the "at-most-one terminal frame" property (§8) holds even
// when a command implementation crashes.
func (p *Pool) runCommandSafely(fn CommandFunc, wctx *Context, parsed ParsedArgs) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("component", "worker").Errorf("command panicked: %v", r)
			wctx.SetOutCode(protocol.EUnexpected)
			fmt.Fprintf(wctx.Out, "internal error\n")
		}
	}()
	fn(wctx, parsed)
}

func (p *Pool) finish(petition *transport.Petition, wctx *Context) {
	p.tr.WriteResult(petition, wctx.OutCode, wctx.Out.Drain())
	p.tr.ClosePetition(petition)
}

func (p *Pool) recordReap(petition *transport.Petition, wctx *Context) {
	p.reapMu.Lock()
	defer p.reapMu.Unlock()
	p.reap = append(p.reap, ReapRecord{
		RunID:   petition.RunID,
		Line:    strings.TrimSpace(petition.Line),
		OutCode: wctx.OutCode,
	})
}

// Reap drains and returns the finished-worker records accumulated since the
// last call (§4.2 step 5, §5 "finished-worker reap list").
func (p *Pool) Reap() []ReapRecord {
	p.reapMu.Lock()
	defer p.reapMu.Unlock()
	if len(p.reap) == 0 {
		return nil
	}
	out := p.reap
	p.reap = nil
	return out
}

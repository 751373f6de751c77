package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/megacmd/megacmd/internal/transport"
	"github.com/megacmd/megacmd/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedResult struct {
	outCode int32
	body    []byte
}

type fakeTransport struct {
	mu      sync.Mutex
	results map[*transport.Petition]recordedResult
	closed  map[*transport.Petition]bool
	confirm int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results: make(map[*transport.Petition]recordedResult),
		closed:  make(map[*transport.Petition]bool),
	}
}

func (f *fakeTransport) Init() error                                       { return nil }
func (f *fakeTransport) WaitForPetition() error                            { return nil }
func (f *fakeTransport) StopWaiting()                                      {}
func (f *fakeTransport) AcceptPetition() (*transport.Petition, error)      { return nil, errors.New("not used") }
func (f *fakeTransport) WritePartial(p *transport.Petition, body []byte)   {}
func (f *fakeTransport) InformListener(p *transport.Petition, b []byte) error { return nil }
func (f *fakeTransport) Close() error                                      { return nil }
func (f *fakeTransport) OnSweepNeeded(func())                              {}

func (f *fakeTransport) RequestConfirm(p *transport.Petition, prompt string) (int32, error) {
	return f.confirm, nil
}

func (f *fakeTransport) RequestString(p *transport.Petition, prompt string) (string, error) {
	return "", nil
}

func (f *fakeTransport) WriteResult(p *transport.Petition, outCode int32, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[p] = recordedResult{outCode: outCode, body: body}
}

func (f *fakeTransport) ClosePetition(p *transport.Petition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[p] = true
}

func (f *fakeTransport) resultFor(p *transport.Petition) (recordedResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[p]
	return r, ok
}

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func runAndWait(t *testing.T, tr *fakeTransport, pool *worker.Pool, p *transport.Petition) recordedResult {
	t.Helper()
	require.NoError(t, pool.Acquire(context.Background()))
	pool.Spawn(p, false, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := tr.resultFor(p); ok {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for worker result")
	return recordedResult{}
}

func TestPoolRunsVersionCommand(t *testing.T) {
	tr := newFakeTransport()
	pool := worker.NewPool(tr, testLog(), 2, worker.DefaultRegistry())
	p := transport.NewPetition("version", false, nil)

	r := runAndWait(t, tr, pool, p)
	assert.Equal(t, protocol.OK, r.outCode)
	assert.Contains(t, string(r.body), "MEGAcmd/")
}

func TestPoolUnknownCommandIsEARGS(t *testing.T) {
	tr := newFakeTransport()
	pool := worker.NewPool(tr, testLog(), 2, worker.DefaultRegistry())
	p := transport.NewPetition("frobnicate", false, nil)

	r := runAndWait(t, tr, pool, p)
	assert.Equal(t, protocol.EARGS, r.outCode)
}

func TestPoolUnrecognizedFlagIsEARGS(t *testing.T) {
	tr := newFakeTransport()
	pool := worker.NewPool(tr, testLog(), 2, worker.DefaultRegistry())
	p := transport.NewPetition("ls --bogus", false, nil)

	r := runAndWait(t, tr, pool, p)
	assert.Equal(t, protocol.EARGS, r.outCode)
}

func TestPoolRmConfirmYesRemoves(t *testing.T) {
	tr := newFakeTransport()
	tr.confirm = int32(protocol.ConfirmYes)
	pool := worker.NewPool(tr, testLog(), 2, worker.DefaultRegistry())
	p := transport.NewPetition("rm /remote/file", false, nil)

	r := runAndWait(t, tr, pool, p)
	assert.Equal(t, protocol.OK, r.outCode)
	assert.Contains(t, string(r.body), "removed /remote/file")
}

func TestPoolRmConfirmNoCancels(t *testing.T) {
	tr := newFakeTransport()
	tr.confirm = int32(protocol.ConfirmNo)
	pool := worker.NewPool(tr, testLog(), 2, worker.DefaultRegistry())
	p := transport.NewPetition("rm /remote/file", false, nil)

	r := runAndWait(t, tr, pool, p)
	assert.Equal(t, protocol.OK, r.outCode)
	assert.Contains(t, string(r.body), "cancelled")
}

func TestPoolBoundsConcurrency(t *testing.T) {
	tr := newFakeTransport()
	registry := worker.DefaultRegistry()
	active := make(chan struct{}, 10)
	maxObserved := 0
	var mu sync.Mutex
	registry["sleep"] = func(ctx *worker.Context, args worker.ParsedArgs) {
		active <- struct{}{}
		mu.Lock()
		if len(active) > maxObserved {
			maxObserved = len(active)
		}
		mu.Unlock()
		time.Sleep(100 * time.Millisecond)
		<-active
		ctx.SetOutCode(protocol.OK)
	}

	pool := worker.NewPool(tr, testLog(), 2, registry)
	petitions := []*transport.Petition{
		transport.NewPetition("sleep", false, nil),
		transport.NewPetition("sleep", false, nil),
		transport.NewPetition("sleep", false, nil),
	}

	var wg sync.WaitGroup
	for _, p := range petitions {
		p := p
		require.NoError(t, pool.Acquire(context.Background()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Spawn(p, false, nil)
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allDone := true
		for _, p := range petitions {
			if _, ok := tr.resultFor(p); !ok {
				allDone = false
			}
		}
		if allDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxObserved, 2)
}

func TestPoolCallsOnShutdownAfterShutdownPetitionCompletes(t *testing.T) {
	tr := newFakeTransport()
	registry := worker.DefaultRegistry()
	registry["exit"] = func(ctx *worker.Context, args worker.ParsedArgs) {
		ctx.SetOutCode(protocol.OK)
	}
	pool := worker.NewPool(tr, testLog(), 2, registry)
	p := transport.NewPetition("exit", false, nil)

	called := make(chan struct{})
	require.NoError(t, pool.Acquire(context.Background()))
	pool.Spawn(p, true, func() { close(called) })

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("onShutdown was never called")
	}
}

func TestPoolReapRecordsFinishedWorkers(t *testing.T) {
	tr := newFakeTransport()
	pool := worker.NewPool(tr, testLog(), 2, worker.DefaultRegistry())
	p := transport.NewPetition("version", false, nil)

	runAndWait(t, tr, pool, p)

	deadline := time.Now().Add(time.Second)
	var records []worker.ReapRecord
	for time.Now().Before(deadline) {
		records = pool.Reap()
		if len(records) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, records, 1)
	assert.Equal(t, protocol.OK, records[0].OutCode)
}

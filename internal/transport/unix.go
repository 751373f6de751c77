//go:build !windows

package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/sirupsen/logrus"
)

// UnixTransport is the POSIX implementation of Transport: a Unix domain
// rendezvous socket plus one fresh Unix domain reply socket per petition.
type UnixTransport struct {
	log *logrus.Entry

	socketPath string
	runtimeDir string

	ln *net.UnixListener

	results  chan acceptResult
	stopOnce sync.Once
	stopCh   chan struct{}

	pendingMu  sync.Mutex
	pendingRes *acceptResult

	replySeq atomic.Uint64
	hook     sweepHook
}

// NewUnixTransport constructs a transport bound to the rendezvous socket
// resolved per §6.3. Init must be called before use.
func NewUnixTransport(log *logrus.Entry) *UnixTransport {
	return &UnixTransport{
		log:     log,
		results: make(chan acceptResult, 1),
		stopCh:  make(chan struct{}),
	}
}

// New constructs the platform transport (§4.1 design note: one concrete
// implementation per platform, selected at construction time).
func New(log *logrus.Entry) Transport {
	return NewUnixTransport(log)
}

func (t *UnixTransport) Init() error {
	path, err := RendezvousSocketPath()
	if err != nil {
		return err
	}
	t.socketPath = path
	t.runtimeDir = filepath.Dir(path)

	// bind(2) on AF_UNIX returns EADDRINUSE for both a live listening socket
	// and a stale leftover file (man 7 unix) — the two can't be told apart
	// after the fact, so probe and clear a stale one before ever binding.
	if err := t.clearStaleSocket(path); err != nil {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return err
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %s", ErrFatalInit, path)
		}
		return err
	}

	t.ln = ln
	go t.acceptLoop()
	return nil
}

// clearStaleSocket probes a pre-existing file at path by dialing it: a live
// rendezvous socket accepts the connection, a stale one refuses it (or the
// dial simply fails because nothing is listening). Only the stale case is
// unlinked, and only after removeStaleSocket confirms it sits within our own
// runtime directory.
func (t *UnixTransport) clearStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrFatalInit, path)
	}
	return removeStaleSocket(path, t.runtimeDir)
}

func (t *UnixTransport) acceptLoop() {
	for {
		conn, err := t.ln.AcceptUnix()
		select {
		case t.results <- acceptResult{conn: conn, err: err}:
		case <-t.stopCh:
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *UnixTransport) WaitForPetition() error {
	select {
	case res := <-t.results:
		t.pendingMu.Lock()
		t.pendingRes = &res
		t.pendingMu.Unlock()
		return nil
	case <-t.stopCh:
		return ErrStopped
	}
}

func (t *UnixTransport) StopWaiting() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.ln != nil {
			t.ln.Close()
		}
	})
}

func (t *UnixTransport) Close() error {
	t.StopWaiting()
	return os.Remove(t.socketPath)
}

func (t *UnixTransport) OnSweepNeeded(fn func()) { t.hook.set(fn) }

// AcceptPetition consumes the result stashed by the most recent
// WaitForPetition call.
func (t *UnixTransport) AcceptPetition() (*Petition, error) {
	t.pendingMu.Lock()
	res := t.pendingRes
	t.pendingRes = nil
	t.pendingMu.Unlock()

	if res == nil {
		return nil, fmt.Errorf("transport: AcceptPetition called without a pending WaitForPetition result")
	}
	if res.err != nil {
		t.log.WithError(res.err).Warn("transient accept failure")
		t.hook.call()
		return nil, ErrTransientAccept
	}

	conn := res.conn
	line, err := readCommandFrame(conn)
	if err != nil {
		conn.Close()
		t.log.WithError(err).Warn("transient accept failure reading command frame")
		t.hook.call()
		return nil, ErrTransientAccept
	}

	classified := protocol.Classify(line)

	replyLn, replyID, err := t.newReplyEndpoint()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", errFatalReplyEndpoint, err)
	}

	if err := writeReplyID(conn, replyID); err != nil {
		replyLn.Close()
		conn.Close()
		t.hook.call()
		return nil, ErrTransientAccept
	}
	conn.Close()

	replyConn, err := replyLn.Accept()
	replyLn.Close()
	if err != nil {
		t.hook.call()
		return nil, ErrTransientAccept
	}

	return NewPetition(classified.Line, classified.Interactive, replyConn), nil
}

// newReplyEndpoint allocates a fresh, one-shot Unix domain socket dedicated
// to a single petition's reply frames, retrying with jittered backoff per
// the §7 / SPEC_FULL supplemented-feature retry loop.
func (t *UnixTransport) newReplyEndpoint() (net.Listener, uint64, error) {
	var lastErr error
	for attempt := 0; attempt < replyRetryAttempts; attempt++ {
		id := t.replySeq.Add(1)
		path := filepath.Join(t.runtimeDir, fmt.Sprintf("megacmd-reply-%d.socket", id))
		os.Remove(path)

		ln, err := net.Listen("unix", path)
		if err == nil {
			return ln, id, nil
		}
		lastErr = err
		if attempt < replyRetryAttempts-1 {
			time.Sleep(retryBackoff(attempt))
		}
	}
	return nil, 0, lastErr
}

func (t *UnixTransport) WriteResult(p *Petition, outCode int32, body []byte) {
	if p.Disconnected() {
		return
	}
	if err := protocol.WriteResult(p.reply, outCode, body); err != nil {
		t.noteWriteErr(p, err)
	}
}

func (t *UnixTransport) WritePartial(p *Petition, body []byte) {
	if p.Disconnected() {
		return
	}
	if err := protocol.WritePartial(p.reply, body); err != nil {
		t.noteWriteErr(p, err)
	}
}

func (t *UnixTransport) RequestConfirm(p *Petition, prompt string) (int32, error) {
	if p.Disconnected() {
		return int32(protocol.ConfirmNo), nil
	}
	if err := protocol.WriteReqConfirm(p.reply, prompt); err != nil {
		t.noteWriteErr(p, err)
		return int32(protocol.ConfirmNo), err
	}
	var buf [4]byte
	if _, err := io.ReadFull(p.reply, buf[:]); err != nil {
		t.noteWriteErr(p, err)
		return int32(protocol.ConfirmNo), err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func (t *UnixTransport) RequestString(p *Petition, prompt string) (string, error) {
	if p.Disconnected() {
		return "", nil
	}
	if err := protocol.WriteReqString(p.reply, prompt); err != nil {
		t.noteWriteErr(p, err)
		return "", err
	}
	line, err := bufio.NewReader(p.reply).ReadString('\n')
	if err != nil && err != io.EOF {
		t.noteWriteErr(p, err)
		return "", err
	}
	return trimNewline(line), nil
}

// InformListener writes a raw state frame to a listener endpoint (§4.4). The
// registry appends the unit-separator terminator itself; this method writes
// exactly the bytes it is given.
func (t *UnixTransport) InformListener(p *Petition, frame []byte) error {
	if p.Disconnected() {
		return io.ErrClosedPipe
	}
	_, err := p.reply.Write(frame)
	if err != nil && isBrokenPeer(err) {
		p.markDisconnected()
	}
	return err
}

func (t *UnixTransport) ClosePetition(p *Petition) {
	p.reply.Close()
}

// noteWriteErr marks the petition disconnected when err indicates the peer
// is gone (broken pipe / connection reset), per §3 and §7.
func (t *UnixTransport) noteWriteErr(p *Petition, err error) {
	if isBrokenPeer(err) {
		p.markDisconnected()
	}
}

func isBrokenPeer(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF)
}

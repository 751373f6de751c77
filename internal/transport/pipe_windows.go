//go:build windows

package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Microsoft/go-winio"
	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/sirupsen/logrus"
)

// PipeTransport is the Windows implementation of Transport: a named pipe
// rendezvous endpoint plus one fresh named pipe per petition, §4.1/§6.3.
type PipeTransport struct {
	log *logrus.Entry

	pipeName string
	ln       net.Listener

	results  chan acceptResult
	stopOnce sync.Once
	stopCh   chan struct{}

	pendingMu  sync.Mutex
	pendingRes *acceptResult

	replySeq atomic.Uint64
	hook     sweepHook
}

func NewPipeTransport(log *logrus.Entry) *PipeTransport {
	return &PipeTransport{
		log:     log,
		results: make(chan acceptResult, 1),
		stopCh:  make(chan struct{}),
	}
}

// New constructs the platform transport (§4.1 design note: one concrete
// implementation per platform, selected at construction time).
func New(log *logrus.Entry) Transport {
	return NewPipeTransport(log)
}

// rendezvousPipeName builds \\.\pipe\megacmdpipe_<username>[_<suffix>], §6.3.
func rendezvousPipeName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	name := `\\.\pipe\megacmdpipe_` + u.Username
	if suffix := os.Getenv(pipeSuffixEnv); suffix != "" {
		name += "_" + suffix
	}
	return name, nil
}

// pipeSecurityDescriptor restricts the pipe to the current user (or the
// Administrators group when elevated), matching the owner check spec §6.3
// asks the front-end to perform on connect; granting access only to that
// principal here makes the check meaningful.
const pipeSecurityDescriptor = "D:P(A;;GA;;;OW)(A;;GA;;;BA)"

func (t *PipeTransport) Init() error {
	name, err := rendezvousPipeName()
	if err != nil {
		return err
	}
	t.pipeName = name

	ln, err := winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurityDescriptor,
		MessageMode:        false,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFatalInit, name)
	}
	t.ln = ln
	go t.acceptLoop()
	return nil
}

func (t *PipeTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
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

func (t *PipeTransport) WaitForPetition() error {
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

func (t *PipeTransport) StopWaiting() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.ln != nil {
			t.ln.Close()
		}
	})
}

func (t *PipeTransport) Close() error {
	t.StopWaiting()
	return nil
}

func (t *PipeTransport) OnSweepNeeded(fn func()) { t.hook.set(fn) }

func (t *PipeTransport) AcceptPetition() (*Petition, error) {
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

func (t *PipeTransport) newReplyEndpoint() (net.Listener, uint64, error) {
	var lastErr error
	for attempt := 0; attempt < replyRetryAttempts; attempt++ {
		id := t.replySeq.Add(1)
		name := fmt.Sprintf(`%s_reply_%d`, t.pipeName, id)
		ln, err := winio.ListenPipe(name, &winio.PipeConfig{
			SecurityDescriptor: pipeSecurityDescriptor,
		})
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

func (t *PipeTransport) WriteResult(p *Petition, outCode int32, body []byte) {
	if p.Disconnected() {
		return
	}
	if err := protocol.WriteResult(p.reply, outCode, body); err != nil {
		t.noteWriteErr(p, err)
	}
}

func (t *PipeTransport) WritePartial(p *Petition, body []byte) {
	if p.Disconnected() {
		return
	}
	if err := protocol.WritePartial(p.reply, body); err != nil {
		t.noteWriteErr(p, err)
	}
}

func (t *PipeTransport) RequestConfirm(p *Petition, prompt string) (int32, error) {
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

func (t *PipeTransport) RequestString(p *Petition, prompt string) (string, error) {
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

// InformListener writes a raw state frame to a listener endpoint (§4.4).
func (t *PipeTransport) InformListener(p *Petition, frame []byte) error {
	if p.Disconnected() {
		return io.ErrClosedPipe
	}
	_, err := p.reply.Write(frame)
	if err != nil {
		p.markDisconnected()
	}
	return err
}

func (t *PipeTransport) ClosePetition(p *Petition) {
	p.reply.Close()
}

func (t *PipeTransport) noteWriteErr(p *Petition, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, winio.ErrPipeListenerClosed) {
		p.markDisconnected()
		return
	}
	// go-winio surfaces a broken client pipe as a plain *os.PathError /
	// syscall error without a distinguished sentinel; any write failure
	// after the handshake is treated as peer-gone, matching the Unix
	// broken-pipe behavior.
	p.markDisconnected()
}

package client

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer mimics just enough of the rendezvous+reply-endpoint handoff
// (§4.1, §6.2) to exercise Send without a real dispatcher.
type fakeServer struct {
	dir            string
	rendezvousPath string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "megacmd")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return &fakeServer{dir: dir, rendezvousPath: filepath.Join(dir, "megacmd.socket")}
}

func (f *fakeServer) serveOnce(t *testing.T, handle func(reply net.Conn, line string)) {
	t.Helper()
	ln, err := net.Listen("unix", f.rendezvousPath)
	require.NoError(t, err)

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		line := readLine(conn)

		replyPath := filepath.Join(f.dir, "megacmd-reply-1.socket")
		os.Remove(replyPath)
		replyLn, err := net.Listen("unix", replyPath)
		if err != nil {
			conn.Close()
			return
		}

		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], 1)
		conn.Write(idBuf[:])
		conn.Close()

		replyConn, err := replyLn.Accept()
		replyLn.Close()
		if err != nil {
			return
		}
		defer replyConn.Close()
		handle(replyConn, line)
	}()
}

func readLine(conn net.Conn) string {
	r := bufio.NewReader(conn)
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil || b == 0x00 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// withRendezvousEnv points XDG_RUNTIME_DIR at dir's parent, so that
// transport.RendezvousSocketPath (which appends "megacmd") resolves into dir.
func withRendezvousEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", filepath.Dir(dir))
}

func TestSendReturnsTerminalResult(t *testing.T) {
	srv := newFakeServer(t)
	withRendezvousEnv(t, filepath.Dir(srv.rendezvousPath))
	t.Setenv("MEGACMD_SOCKET_NAME", filepath.Base(srv.rendezvousPath))

	srv.serveOnce(t, func(reply net.Conn, line string) {
		require.Equal(t, "version", line)
		protocol.WriteResult(reply, protocol.OK, []byte("MEGAcmd/1.0.0-core\n"))
	})

	result, err := Send("version", io.Discard, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.OK, result.OutCode)
	assert.Contains(t, string(result.Body), "MEGAcmd/")
}

func TestSendStreamsPartialFramesToOut(t *testing.T) {
	srv := newFakeServer(t)
	withRendezvousEnv(t, filepath.Dir(srv.rendezvousPath))
	t.Setenv("MEGACMD_SOCKET_NAME", filepath.Base(srv.rendezvousPath))

	srv.serveOnce(t, func(reply net.Conn, line string) {
		protocol.WritePartial(reply, []byte("chunk1"))
		protocol.WritePartial(reply, []byte("chunk2"))
		protocol.WriteResult(reply, protocol.OK, nil)
	})

	var out bytes.Buffer
	result, err := Send("ls", &out, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.OK, result.OutCode)
	assert.Equal(t, "chunk1chunk2", out.String())
}

type fakePrompter struct {
	confirmAnswer protocol.Confirm
	stringAnswer  string
}

func (p fakePrompter) Confirm(prompt string) protocol.Confirm { return p.confirmAnswer }
func (p fakePrompter) ReadString(prompt string) string        { return p.stringAnswer }

func TestSendAnswersReqConfirm(t *testing.T) {
	srv := newFakeServer(t)
	withRendezvousEnv(t, filepath.Dir(srv.rendezvousPath))
	t.Setenv("MEGACMD_SOCKET_NAME", filepath.Base(srv.rendezvousPath))

	srv.serveOnce(t, func(reply net.Conn, line string) {
		protocol.WriteReqConfirm(reply, "delete /remote/file?")
		var buf [4]byte
		io.ReadFull(reply, buf[:])
		answer := protocol.Confirm(binary.LittleEndian.Uint32(buf[:]))
		if answer == protocol.ConfirmYes {
			protocol.WriteResult(reply, protocol.OK, []byte("removed"))
		} else {
			protocol.WriteResult(reply, protocol.OK, []byte("cancelled"))
		}
	})

	result, err := Send("rm /remote/file", io.Discard, fakePrompter{confirmAnswer: protocol.ConfirmYes})
	require.NoError(t, err)
	assert.Equal(t, "removed", string(result.Body))
}

func TestSendReturnsErrNotRunningWhenNoServer(t *testing.T) {
	dir := t.TempDir()
	withRendezvousEnv(t, dir)
	t.Setenv("MEGACMD_SOCKET_NAME", "nonexistent.socket")

	_, err := Send("version", io.Discard, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestListenStreamsStateFrames(t *testing.T) {
	srv := newFakeServer(t)
	withRendezvousEnv(t, filepath.Dir(srv.rendezvousPath))
	t.Setenv("MEGACMD_SOCKET_NAME", filepath.Base(srv.rendezvousPath))

	srv.serveOnce(t, func(reply net.Conn, line string) {
		require.Equal(t, "registerstatelistener", line)
		reply.Write(protocol.EncodeStateFrame(protocol.ClientIDFrame(1)))
		reply.Write(protocol.EncodeStateFrame(protocol.PromptFrame("MEGA CMD> ")))
	})

	listener, err := Listen()
	require.NoError(t, err)
	defer listener.Close()

	assert.Equal(t, "clientID:1", <-listener.Frames)
	assert.Equal(t, "prompt:MEGA CMD> ", <-listener.Frames)
}


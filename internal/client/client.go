// Package client implements the front-end half of the rendezvous protocol
// (spec §4.1, §6.2): dial the server's rendezvous endpoint, send one command
// line, follow the reply-endpoint handoff, and pump PARTIAL/REQCONFIRM/
// REQSTRING frames until the terminal reply arrives.
package client

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/megacmd/megacmd/internal/transport"
)

// Prompter answers the interactive callbacks a running petition may need.
// Both the one-shot CLI and the shell front-end satisfy it with stdin reads.
type Prompter interface {
	Confirm(prompt string) protocol.Confirm
	ReadString(prompt string) string
}

// Result is the terminal outcome of a petition.
type Result struct {
	OutCode int32
	Body    []byte
}

// ErrNotRunning is returned by Send when no rendezvous endpoint is reachable.
var ErrNotRunning = fmt.Errorf("client: megacmdserver is not running")

// Send dials the rendezvous endpoint, sends line, and drives the reply
// endpoint to completion, streaming PARTIAL bytes to out as they arrive.
func Send(line string, out io.Writer, prompter Prompter) (Result, error) {
	replyConn, err := dialReply(line)
	if err != nil {
		return Result{}, err
	}
	defer replyConn.Close()

	return pump(replyConn, out, prompter)
}

// dialReply performs the rendezvous handoff (§4.1, §6.2): dial the
// rendezvous endpoint, send line, read back the allocated reply-endpoint
// id, and dial that endpoint. Shared by Send (one-shot petitions) and
// Listen (the long-lived listener registration petition).
func dialReply(line string) (net.Conn, error) {
	rendezvousPath, err := transport.RendezvousSocketPath()
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("unix", rendezvousPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}

	if _, err := conn.Write(append([]byte(line), 0x00)); err != nil {
		conn.Close()
		return nil, err
	}

	var idBuf [8]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: reading reply endpoint id: %w", err)
	}
	replyID := binary.LittleEndian.Uint64(idBuf[:])
	conn.Close()

	replyPath := filepath.Join(filepath.Dir(rendezvousPath), fmt.Sprintf("megacmd-reply-%d.socket", replyID))
	replyConn, err := net.Dial("unix", replyPath)
	if err != nil {
		return nil, fmt.Errorf("client: connecting to reply endpoint: %w", err)
	}
	return replyConn, nil
}

// Listener is a live registration against the server's listener registry
// (§4.4): Frames delivers each unit-separator-delimited state frame (with
// the delimiter stripped) as it arrives, and Close tears down the
// underlying connection.
type Listener struct {
	conn   net.Conn
	Frames chan string
}

// Listen registers a new state listener and returns a Listener streaming
// its pushed frames. The caller should range over Frames until it closes
// (on a connection error) and call Close when done.
func Listen() (*Listener, error) {
	conn, err := dialReply("registerstatelistener")
	if err != nil {
		return nil, err
	}

	l := &Listener{conn: conn, Frames: make(chan string, 16)}
	go l.pump()
	return l, nil
}

func (l *Listener) pump() {
	defer close(l.Frames)
	r := bufio.NewReader(l.conn)
	for {
		tok, err := r.ReadString(byte(protocol.UnitSeparator))
		if err != nil {
			return
		}
		l.Frames <- strings.TrimSuffix(tok, string(rune(protocol.UnitSeparator)))
	}
}

// Close tears down the listener's connection, ending the Frames range.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// pump reads frames off conn until the terminal reply arrives, answering
// REQCONFIRM/REQSTRING prompts on the same connection they were read from.
func pump(conn net.Conn, out io.Writer, prompter Prompter) (Result, error) {
	br := bufio.NewReader(conn)
	for {
		tag, err := protocol.ReadTag(br)
		if err != nil {
			if err == io.EOF {
				return Result{}, fmt.Errorf("client: connection closed before terminal frame")
			}
			return Result{}, err
		}

		switch tag {
		case protocol.TagPartial:
			n, err := protocol.ReadSize(br)
			if err != nil {
				return Result{}, err
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(br, buf); err != nil {
				return Result{}, err
			}
			if out != nil {
				out.Write(buf)
			}
		case protocol.TagReqConfirm:
			prompt, err := protocol.ReadPrompt(br)
			if err != nil {
				return Result{}, err
			}
			answer := protocol.ConfirmNo
			if prompter != nil {
				answer = prompter.Confirm(prompt)
			}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(answer))
			if _, err := conn.Write(buf[:]); err != nil {
				return Result{}, err
			}
		case protocol.TagReqString:
			prompt, err := protocol.ReadPrompt(br)
			if err != nil {
				return Result{}, err
			}
			answer := ""
			if prompter != nil {
				answer = prompter.ReadString(prompt)
			}
			if _, err := io.WriteString(conn, answer+"\n"); err != nil {
				return Result{}, err
			}
		default:
			// tag is actually the terminal out-code: everything remaining
			// on the connection, up to EOF, is the body (§6.2).
			body, err := io.ReadAll(br)
			if err != nil {
				return Result{}, err
			}
			return Result{OutCode: tag, Body: bytes.TrimRight(body, "\x00")}, nil
		}
	}
}

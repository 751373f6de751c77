// Package protocol implements the return-channel wire protocol carried on a
// petition's reply endpoint and the state-frame protocol carried on a
// listener endpoint. It also classifies raw command lines before dispatch
// and redacts sensitive arguments before they reach a log sink.
//
// Every non-terminal frame on a reply endpoint begins with a signed 32-bit
// tag code; terminal frames carry a 32-bit out-code. All integers are
// encoded little-endian — both peers of this transport always share a host.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tag codes for non-terminal reply-endpoint frames. These double as
// transport sentinels; -60, -61 and -62 are never used as a terminal
// out-code, while -71 is both TagReqRestart and the ReqRestart out-code.
const (
	TagReqConfirm int32 = -60
	TagReqString  int32 = -61
	TagPartial    int32 = -62
	TagReqRestart int32 = -71
)

// Out-codes, reserved names per spec §6.1/§7.
const (
	OK            int32 = 0
	EARGS         int32 = -51
	InvalidEmail  int32 = -52
	NotFound      int32 = -53
	InvalidState  int32 = -54
	InvalidType   int32 = -55
	NotPermitted  int32 = -56
	NotLoggedIn   int32 = -57
	NoFetch       int32 = -58
	EUnexpected   int32 = -59
	ReqRestart    int32 = -71
)

// ExitCode coerces a server-side out-code to the front-end's process exit
// code: the absolute value, per spec §6.1 / §8 "Out-code coercion".
func ExitCode(outCode int32) int {
	if outCode < 0 {
		return int(-outCode)
	}
	return int(outCode)
}

// Confirm answers are written back on a REQCONFIRM frame.
type Confirm int32

const (
	ConfirmNo Confirm = iota
	ConfirmYes
	ConfirmAll
	ConfirmNone
)

// WriteResult writes the terminal reply frame: a signed 32-bit out-code
// followed by body. An empty body is floor-padded to one zero byte because
// some front-ends treat a zero-length read as a stall; see the §9 open
// question this preserves verbatim.
func WriteResult(w io.Writer, outCode int32, body []byte) error {
	if len(body) == 0 {
		body = []byte{0}
	}
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(outCode))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WritePartial writes a PARTIAL frame: tag, a size_t-width length, then the
// payload. Same floor-padding rule as WriteResult.
func WritePartial(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte{0}
	}
	if err := writeTag(w, TagPartial); err != nil {
		return err
	}
	if err := writeSize(w, len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteReqConfirm writes a REQCONFIRM frame: tag, size_t-width length, then
// the prompt bytes — the same shape as WritePartial, so a reader never has
// to rely on the peer half-closing its write side to find the end of the
// prompt.
func WriteReqConfirm(w io.Writer, prompt string) error {
	return writePromptFrame(w, TagReqConfirm, prompt)
}

// WriteReqString writes a REQSTRING frame carrying prompt, same framing as
// WriteReqConfirm.
func WriteReqString(w io.Writer, prompt string) error {
	return writePromptFrame(w, TagReqString, prompt)
}

func writePromptFrame(w io.Writer, tag int32, prompt string) error {
	if err := writeTag(w, tag); err != nil {
		return err
	}
	if err := writeSize(w, len(prompt)); err != nil {
		return err
	}
	_, err := io.WriteString(w, prompt)
	return err
}

// ReadPrompt reads the size_t-width length and prompt bytes that follow a
// REQCONFIRM or REQSTRING tag already consumed by the caller via ReadTag.
func ReadPrompt(r io.Reader) (string, error) {
	n, err := ReadSize(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadTag reads the next frame's leading int32 tag/out-code.
func ReadTag(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadSize reads a native-width size_t length field. This implementation
// fixes the width at 64 bits, which is what every first-party transport
// peer on this host actually uses.
func ReadSize(r io.Reader) (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint64(buf[:])
	if n > 1<<31 {
		return 0, fmt.Errorf("protocol: implausible frame length %d", n)
	}
	return int(n), nil
}

func writeTag(w io.Writer, tag int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(tag))
	_, err := w.Write(buf[:])
	return err
}

func writeSize(w io.Writer, n int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	_, err := w.Write(buf[:])
	return err
}

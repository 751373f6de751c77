// Package worker implements the bounded command-worker pool described in
// spec §4.3: ambient per-worker context, the quoting-aware tokenizer, the
// flag/option vocabulary parser, and the command registry each worker routes
// a tokenized petition through.
package worker

import (
	"bytes"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/megacmd/megacmd/internal/transport"
)

// LogLevel mirrors the MEGACMD_LOGLEVEL vocabulary (§6.4), scoped per
// petition rather than process-wide: a command may raise its own verbosity
// mid-run without affecting concurrent siblings.
type LogLevel int

const (
	LogError LogLevel = iota
	LogVerbose
	LogDebug
	LogFullVerbose
	LogFullDebug
)

// Context is the ambient, per-worker state spec §4.3 step 1 installs before
// a command body runs and §9's design note asks to carry as an explicit
// value rather than a thread-id-keyed global map: current petition, output
// sink, log level, and out-code, all addressed directly instead of through
// thread-local lookups.
type Context struct {
	Petition *transport.Petition
	Out      *Sink
	LogLevel LogLevel
	OutCode  int32

	tr transport.Transport
}

// NewContext installs the ambient context for one petition (§4.3 step 1):
// out-stream bound to a sink, log level ERROR, out-code OK.
func NewContext(tr transport.Transport, p *transport.Petition) *Context {
	return &Context{
		Petition: p,
		Out:      &Sink{tr: tr, petition: p},
		LogLevel: LogError,
		OutCode:  protocol.OK,
		tr:       tr,
	}
}

// SetOutCode records the command's result code.
func (c *Context) SetOutCode(code int32) { c.OutCode = code }

// SetLogLevel raises or lowers this petition's log verbosity.
func (c *Context) SetLogLevel(l LogLevel) { c.LogLevel = l }

// RequestConfirm surfaces the REQCONFIRM prompt/answer round trip.
func (c *Context) RequestConfirm(prompt string) (protocol.Confirm, error) {
	if c.Petition.Disconnected() {
		return protocol.ConfirmNo, nil
	}
	answer, err := c.tr.RequestConfirm(c.Petition, prompt)
	return protocol.Confirm(answer), err
}

// RequestString surfaces the REQSTRING prompt/answer round trip.
func (c *Context) RequestString(prompt string) (string, error) {
	if c.Petition.Disconnected() {
		return "", nil
	}
	return c.tr.RequestString(c.Petition, prompt)
}

// EmitPartial streams bytes to the front-end immediately via write_partial,
// distinct from writing to Out (which accumulates the final reply body).
func (c *Context) EmitPartial(b []byte) {
	if len(b) == 0 {
		return
	}
	c.tr.WritePartial(c.Petition, b)
}

// Sink is the OUTSTREAM ambient context installs (§4.3 step 1): command
// bodies write their final textual output to it, and the worker drains it
// once the command returns to build the terminal reply body (§4.3 step 6).
// It implements io.Writer so command bodies can use fmt.Fprintf(ctx.Out, …).
type Sink struct {
	buf      bytes.Buffer
	tr       transport.Transport
	petition *transport.Petition
}

func (s *Sink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// FlushPartial sends whatever is currently buffered as a PARTIAL frame and
// resets the buffer — for a command that wants to stream its growing output
// rather than hold it all until completion.
func (s *Sink) FlushPartial() {
	if s.buf.Len() == 0 {
		return
	}
	s.tr.WritePartial(s.petition, append([]byte(nil), s.buf.Bytes()...))
	s.buf.Reset()
}

// Drain returns and clears whatever remains buffered, for use as the
// terminal reply's body (§4.3 step 6's "sink.flush()").
func (s *Sink) Drain() []byte {
	b := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	return b
}

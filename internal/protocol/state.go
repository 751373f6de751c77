package protocol

import (
	"strconv"
	"strings"
)

// UnitSeparator is the boundary byte a sender appends after each logical
// state-frame message on a listener endpoint (§4.4).
const UnitSeparator = 0x1F

// State-frame prefixes, §4.4 vocabulary table. A front-end that reads a
// frame matching none of these sleeps 1s before its next read, the original
// implementation's guard against spinning on a prefix it doesn't understand
// yet; this package only emits frames from this table, never an unknown one.
const (
	PrefixPrompt      = "prompt:"
	PrefixMessage     = "message:"
	PrefixClientID    = "clientID:"
	PrefixProgress    = "progress:"
	PrefixEndTransfer = "endtransfer:"
	PrefixAck         = "ack"
	PrefixRestart     = "restart"
	PrefixLogin       = "login:"
	PrefixLoged       = "loged:"
)

// EncodeStateFrame appends the terminating unit separator to message, ready
// to hand to a listener endpoint write.
func EncodeStateFrame(message string) []byte {
	b := make([]byte, 0, len(message)+1)
	b = append(b, message...)
	b = append(b, UnitSeparator)
	return b
}

// PromptFrame builds a `prompt:` state frame.
func PromptFrame(prompt string) string {
	return PrefixPrompt + prompt
}

// MessageFrame builds a `message:` state frame. The front-end renders it
// centered unless it begins with "-----", in which case it is rendered
// verbatim — that distinction is the front-end's concern; this helper only
// builds the wire string.
func MessageFrame(text string) string {
	return PrefixMessage + text
}

// ClientIDFrame builds the one-shot `clientID:<n>` frame issued at
// registration.
func ClientIDFrame(id uint64) string {
	return PrefixClientID + strconv.FormatUint(id, 10)
}

// ProgressFrame builds a `progress:<sent>:<total>[:<title>]` frame. sent ==
// -2 signals completion per §4.4.
func ProgressFrame(sent, total int64, title string) string {
	var sb strings.Builder
	sb.WriteString(PrefixProgress)
	sb.WriteString(strconv.FormatInt(sent, 10))
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(total, 10))
	if title != "" {
		sb.WriteByte(':')
		sb.WriteString(title)
	}
	return sb.String()
}

// EndTransferFrame builds an `endtransfer:<D|U>:<path>` frame. upload is
// true for uploads (U), false for downloads (D).
func EndTransferFrame(upload bool, path string) string {
	dir := "D"
	if upload {
		dir = "U"
	}
	return PrefixEndTransfer + dir + ":" + path
}

// LoginFrame / LogedFrame build the login-in-progress / login-complete
// state frames.
func LoginFrame() string { return PrefixLogin }
func LogedFrame() string { return PrefixLoged }

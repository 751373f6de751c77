package worker

import (
	"fmt"
	"strings"

	"github.com/megacmd/megacmd/internal/protocol"
)

// CommandFunc is the external command-implementation boundary: spec §1
// scopes individual commands' semantics out of this core, so every entry
// below is a thin stub that writes to the output sink and sets an out-code
// (rm also exercises RequestConfirm), without implementing the
// remote-storage semantics itself.
type CommandFunc func(ctx *Context, args ParsedArgs)

// DefaultRegistry returns the command table a Pool routes tokenized
// petitions through. Command names are the ones named in §4.3.1 plus
// `version`, used by the §8 "happy path" scenario.
func DefaultRegistry() map[string]CommandFunc {
	return map[string]CommandFunc{
		"version": cmdVersion,
		"ls":      cmdStub("listing"),
		"du":      cmdStub("usage"),
		"rm":      cmdRm,
		"sync":    cmdStub("sync"),
		"transfers": cmdStub("transfers"),
		"put":     cmdStub("put"),
		"get":     cmdStub("get"),
		"exit":    cmdExit,
		"quit":    cmdExit,
		"logout":  cmdLogout,
		"export":  cmdStub("export"),
		"share":   cmdStub("share"),
		"help":    cmdHelp,
	}
}

func cmdVersion(ctx *Context, _ ParsedArgs) {
	fmt.Fprintf(ctx.Out, "MEGAcmd/1.0.0-core\n")
	ctx.SetOutCode(protocol.OK)
}

// cmdRm exercises the REQCONFIRM round trip (§8 scenario 2): it asks for
// confirmation before "deleting" its positional argument, since the actual
// delete is an external-SDK concern out of scope for this core.
func cmdRm(ctx *Context, args ParsedArgs) {
	target := "the given path"
	if len(args.Positional) > 0 {
		target = args.Positional[0]
	}
	if args.Flags["f"] {
		fmt.Fprintf(ctx.Out, "removed %s\n", target)
		ctx.SetOutCode(protocol.OK)
		return
	}

	answer, err := ctx.RequestConfirm(fmt.Sprintf("delete %s?", target))
	if err != nil {
		ctx.SetOutCode(protocol.EUnexpected)
		fmt.Fprintf(ctx.Out, "confirmation failed: %v\n", err)
		return
	}
	if answer != protocol.ConfirmYes && answer != protocol.ConfirmAll {
		fmt.Fprintf(ctx.Out, "cancelled\n")
		ctx.SetOutCode(protocol.OK)
		return
	}
	fmt.Fprintf(ctx.Out, "removed %s\n", target)
	ctx.SetOutCode(protocol.OK)
}

// cmdExit is the body a shutdown petition runs (§4.2): SDK teardown is out
// of scope for this core, so it only reports success; the pool's onShutdown
// hook then stops the dispatcher.
func cmdExit(ctx *Context, _ ParsedArgs) {
	ctx.SetOutCode(protocol.OK)
}

func cmdLogout(ctx *Context, args ParsedArgs) {
	fmt.Fprintf(ctx.Out, "logged out\n")
	ctx.SetOutCode(protocol.OK)
}

func cmdHelp(ctx *Context, args ParsedArgs) {
	names := make([]string, 0, len(DefaultRegistry()))
	for name := range DefaultRegistry() {
		names = append(names, name)
	}
	fmt.Fprintf(ctx.Out, "available commands: %s\n", strings.Join(names, ", "))
	ctx.SetOutCode(protocol.OK)
}

// cmdStub builds a placeholder command body for a command this core
// classifies and routes but whose real semantics live in the external SDK
// layer (§1 Non-goals).
func cmdStub(name string) CommandFunc {
	return func(ctx *Context, args ParsedArgs) {
		fmt.Fprintf(ctx.Out, "%s: not implemented in this core\n", name)
		ctx.SetOutCode(protocol.OK)
	}
}

// megacmd is the front-end binary named in spec §1's "family of short-lived
// front-end processes": run with arguments, it sends one petition and
// exits with the server's coerced out-code; run as `megacmd shell`, it
// drives an interactive REPL that registers a state listener and renders
// pushed prompt/progress/message frames (§4.4) as they arrive.
//
// Usage:
//
//	megacmd <command> [args...]   one-shot petition, exits |out-code|
//	megacmd shell                 interactive shell front-end
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/megacmd/megacmd/internal/client"
	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// interactiveSentinel marks a petition as shell-originated (§3, §6.1): the
// server strips it before dispatch and surfaces Petition.Interactive true.
const interactiveSentinel = "X"

// exitCode is set by whichever RunE actually sends a petition; cobra has no
// first-class way to propagate a process exit code out of a command, so the
// commands stash it here and main reads it after Execute returns.
var exitCode int

func main() {
	root := &cobra.Command{
		Use:                "megacmd [command] [args...]",
		Short:              "front-end for the megacmdserver petition broker",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return sendOneShot(strings.Join(args, " "), false)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "start the interactive megacmd shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			runShell()
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "megacmd: %v\n", err)
		os.Exit(protocol.ExitCode(protocol.EUnexpected))
	}
	os.Exit(exitCode)
}

// stdinPrompter answers REQCONFIRM/REQSTRING callbacks from stdin. Both the
// one-shot CLI and the interactive shell use it, since the shell sends each
// line through sendOneShot.
type stdinPrompter struct {
	r *bufio.Reader
}

func (p *stdinPrompter) Confirm(prompt string) protocol.Confirm {
	fmt.Fprintf(os.Stdout, "%s [y/n/a/none]: ", prompt)
	for {
		line, err := p.r.ReadString('\n')
		if err != nil && line == "" {
			return protocol.ConfirmNo
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return protocol.ConfirmYes
		case "n", "no":
			return protocol.ConfirmNo
		case "a", "all":
			return protocol.ConfirmAll
		case "none":
			return protocol.ConfirmNone
		default:
			fmt.Fprint(os.Stdout, "please answer yes, no, all, or none: ")
		}
	}
}

func (p *stdinPrompter) ReadString(prompt string) string {
	fmt.Fprintf(os.Stdout, "%s: ", prompt)
	line, _ := p.r.ReadString('\n')
	return strings.TrimRight(line, "\n")
}

// sendOneShot sends line (sentinel-prefixed iff interactive) and sets
// exitCode to the server's coerced out-code (§8 "Out-code coercion").
func sendOneShot(line string, interactive bool) error {
	if interactive {
		line = interactiveSentinel + line
	}
	prompter := &stdinPrompter{r: bufio.NewReader(os.Stdin)}

	result, err := client.Send(line, os.Stdout, prompter)
	if err != nil {
		if errors.Is(err, client.ErrNotRunning) {
			fmt.Fprintln(os.Stderr, "megacmd: megacmdserver is not running")
			exitCode = 1
			return nil
		}
		exitCode = protocol.ExitCode(protocol.EUnexpected)
		return err
	}

	if len(result.Body) > 0 {
		os.Stdout.Write(result.Body)
		if result.Body[len(result.Body)-1] != '\n' {
			fmt.Fprintln(os.Stdout)
		}
	}
	exitCode = protocol.ExitCode(result.OutCode)
	return nil
}

// shellState holds the mutable bits a running shell renders: the live
// prompt text pushed by the server's listener registry (§4.4 `prompt:`).
// The client id issued on registration is not kept.
type shellState struct {
	prompt string
}

// runShell drives the interactive front-end. On a real tty it uses
// go-prompt's line editor (§1 Non-goal: only the narrow interaction point
// — send the sentinel-prefixed line, render pushed state frames — is
// implemented here, not a completion UI); on a non-tty stdin (piped input)
// it falls back to a plain line-at-a-time reader
// using the same x/term.IsTerminal check the teacher's `cmd/catherd` uses
// before attaching a raw-mode PTY.
func runShell() {
	state := &shellState{prompt: "MEGA CMD> "}

	listener, err := client.Listen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "megacmd: shell: %v\n", err)
		exitCode = 1
		return
	}
	defer listener.Close()
	go renderFrames(state, listener.Frames)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runPromptShell(state)
	} else {
		runLineShell(state)
	}
}

// renderFrames prints pushed state frames (§4.4 vocabulary) and updates
// state.prompt on a `prompt:` frame.
func renderFrames(state *shellState, frames <-chan string) {
	for frame := range frames {
		switch {
		case strings.HasPrefix(frame, protocol.PrefixPrompt):
			state.prompt = strings.TrimPrefix(frame, protocol.PrefixPrompt)
		case strings.HasPrefix(frame, protocol.PrefixMessage):
			text := strings.TrimPrefix(frame, protocol.PrefixMessage)
			if strings.HasPrefix(text, "-----") {
				fmt.Println(text)
			} else {
				fmt.Printf("\n*** %s ***\n", text)
			}
		case frame == protocol.PrefixAck, strings.HasPrefix(frame, protocol.PrefixClientID):
			// Liveness probe / registration echo: nothing to render.
		default:
			fmt.Printf("\n%s\n", frame)
		}
	}
}

func runPromptShell(state *shellState) {
	executor := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if line == "exit" || line == "quit" {
			sendOneShot(line, true)
			os.Exit(exitCode)
		}
		sendOneShot(line, true)
	}
	completer := func(d prompt.Document) []prompt.Suggest { return nil }

	p := prompt.New(
		executor,
		completer,
		prompt.OptionLivePrefix(func() (string, bool) { return state.prompt, true }),
	)
	p.Run()
}

// runLineShell is the fallback REPL for non-tty stdin: a plain
// read-a-line-send-a-petition loop with no completion or live prefix
// re-rendering, since go-prompt itself requires a real terminal.
func runLineShell(state *shellState) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(state.prompt)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			sendOneShot(line, true)
			return
		}
		sendOneShot(line, true)
	}
}

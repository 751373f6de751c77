package worker

import (
	"fmt"
	"strings"
)

// CommandSpec declares the recognized boolean flags and value-bearing
// options for one command, §4.3.1. A token's key is only ever matched
// against one of these two sets — the parser never has to guess whether a
// bare `--key` was meant as a flag or an option missing its value.
type CommandSpec struct {
	Flags   map[string]bool
	Options map[string]bool
}

func flagSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Vocabulary is the representative, non-exhaustive §4.3.1 table. Where the
// spec lists a key without saying whether it takes a value, the split below
// follows the name: tokens that read as a quantity or payload (clientID,
// limit, path-display-size, expire, password, with, level) are options;
// everything else is a boolean flag.
var Vocabulary = map[string]CommandSpec{
	"ls": {Flags: flagSet("R", "r", "l", "use-pcre")},
	"du": {Flags: flagSet("h", "versions", "use-pcre")},
	"rm": {Flags: flagSet("r", "f", "use-pcre")},
	"sync": {
		Flags:   flagSet("d", "s", "r"),
		Options: flagSet("path-display-size"),
	},
	"transfers": {
		Flags:   flagSet("show-completed", "only-uploads", "only-downloads", "only-completed", "show-syncs", "c", "a", "p", "r"),
		Options: flagSet("limit", "path-display-size"),
	},
	"put": {
		Flags:   flagSet("c", "q", "ignore-quota-warn"),
		Options: flagSet("clientID"),
	},
	"get": {
		Flags:   flagSet("m", "q", "ignore-quota-warn", "use-pcre"),
		Options: flagSet("clientID"),
	},
	"exit":   {Flags: flagSet("only-shell")},
	"quit":   {Flags: flagSet("only-shell")},
	"logout": {Flags: flagSet("keep-session")},
	"export": {
		Flags:   flagSet("a", "d", "f", "writable", "use-pcre"),
		Options: flagSet("expire", "password"),
	},
	"share": {
		Flags:   flagSet("a", "d", "p", "personal-representation", "use-pcre"),
		Options: flagSet("with", "level"),
	},
	"help": {Flags: flagSet("f", "non-interactive", "upgrade", "unicode")},
}

// globalFlags are recognized regardless of which command's CommandSpec is
// in effect (§4.3 step 4).
var globalFlags = flagSet("v", "help")

// ParsedArgs is the result of separating a tokenized command line into its
// flags, options, and remaining positional arguments.
type ParsedArgs struct {
	Flags      map[string]bool
	Options    map[string]string
	Positional []string
}

// ErrUnknownFlag is returned (wrapped with the offending token) when a
// dash-prefixed token matches neither a global flag nor the command's own
// declared vocabulary.
type ErrUnknownFlag struct{ Token string }

func (e *ErrUnknownFlag) Error() string {
	return fmt.Sprintf("unrecognized flag: %s", e.Token)
}

// ParseArgs enforces §4.3.1's two rules: a dash-prefixed token outside the
// declared (global ∪ command) vocabulary is an error; `--key=value` is
// accepted only when key is declared as an option. Re-specifying the same
// key overrides the prior occurrence.
func ParseArgs(spec CommandSpec, tokens []string) (ParsedArgs, error) {
	out := ParsedArgs{
		Flags:   make(map[string]bool),
		Options: make(map[string]string),
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "-") || tok == "-" {
			out.Positional = append(out.Positional, tok)
			continue
		}

		key := strings.TrimLeft(tok, "-")
		value := ""
		hasValue := false
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			value = key[eq+1:]
			key = key[:eq]
			hasValue = true
		}

		isOption := spec.Options[key]
		isFlag := spec.Flags[key] || globalFlags[key]

		switch {
		case isOption:
			if !hasValue {
				if i+1 < len(tokens) {
					value = tokens[i+1]
					i++
				}
			}
			out.Options[key] = value
		case isFlag && !hasValue:
			out.Flags[key] = true
		default:
			return ParsedArgs{}, &ErrUnknownFlag{Token: tok}
		}
	}

	return out, nil
}

// Package commandbuilder composes the shell command string dispatched into
// a Sprite (or, for BuildArgs, the raw argv dispatched to a direct process
// invocation), applying the shell-injection-safe escaping rules untrusted
// chat input requires before it is embedded in a double-quoted argument.
package commandbuilder

import "strings"

// AgentKind selects the output template.
type AgentKind string

const (
	AgentClaude   AgentKind = "claude-style"
	AgentOpenCode AgentKind = "opencode-style"
)

// escapeReplacer applies the five escaping rules, in the fixed order the
// source format requires: backslash first (so later substitutions do not
// double-escape characters they themselves introduce), then $, backtick,
// double-quote, and history-expansion bang.
var escapeReplacer = strings.NewReplacer(
	`\`, `\\`,
	`$`, `\$`,
	"`", "\\`",
	`"`, `\"`,
	`!`, `\!`,
)

// Escape applies the five shell-escaping rules to s so it is safe to embed
// inside a double-quoted shell argument. Semicolons, pipes, redirects, and
// globs are left untouched — they are harmless inside double quotes, and
// escaping them would make ordinary user messages unreadable. Newlines are
// preserved verbatim.
func Escape(s string) string {
	return escapeReplacer.Replace(s)
}

// BuildOptions carries the inputs to a Build call.
type BuildOptions struct {
	Agent     AgentKind
	SessionID string
	Message   string

	// AgentBinary overrides the literal binary name in the template
	// (defaults to "claude" / the opencode binary per Agent). Exposed so
	// callers can point at a vendored or renamed binary without touching
	// the escaping logic.
	AgentBinary string

	// ConfigSeed, when non-empty for AgentOpenCode, is prepended as a
	// config-seeding step ahead of the agent invocation.
	ConfigSeed string
}

// Build returns a single shell command string safe to embed in
// ["/bin/sh", "-c", cmd]. The returned string is agent-kind specific;
// everything outside the escaped session id and message is a literal
// template.
func Build(opts BuildOptions) string {
	switch opts.Agent {
	case AgentOpenCode:
		return buildOpenCode(opts)
	default:
		return buildClaude(opts)
	}
}

func buildClaude(opts BuildOptions) string {
	bin := opts.AgentBinary
	if bin == "" {
		bin = "claude"
	}
	var b strings.Builder
	b.WriteString(bin)
	b.WriteString(` --session-id "`)
	b.WriteString(Escape(opts.SessionID))
	b.WriteString(`" -p "`)
	b.WriteString(Escape(opts.Message))
	b.WriteString(`"`)
	return b.String()
}

func buildOpenCode(opts BuildOptions) string {
	bin := opts.AgentBinary
	if bin == "" {
		bin = "opencode"
	}
	var b strings.Builder
	if opts.ConfigSeed != "" {
		b.WriteString(opts.ConfigSeed)
		b.WriteString(" && ")
	}
	b.WriteString("NO_COLOR=1 ")
	b.WriteString(bin)
	b.WriteString(` run --session "`)
	b.WriteString(Escape(opts.SessionID))
	b.WriteString(`" "`)
	b.WriteString(Escape(opts.Message))
	b.WriteString(`" | strip-ansi`)
	return b.String()
}

// BuildArgs returns the raw argv for a direct (non-shell) process
// invocation. Unlike Build, the message and session id are returned
// untouched — shell escaping in argv would double-escape content that the
// OS never interprets through a shell.
func BuildArgs(opts BuildOptions) []string {
	bin := opts.AgentBinary
	switch opts.Agent {
	case AgentOpenCode:
		if bin == "" {
			bin = "opencode"
		}
		return []string{bin, "run", "--session", opts.SessionID, opts.Message}
	default:
		if bin == "" {
			bin = "claude"
		}
		return []string{bin, "--session-id", opts.SessionID, "-p", opts.Message}
	}
}

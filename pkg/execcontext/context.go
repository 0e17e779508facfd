package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Context carries the invocation-scoped environment that is forwarded to
// the guest ahead of the remote command. It is immutable for the duration
// of one run.
type Context interface {
	Envs() map[string]string
}

func New(envs map[string]string) Context {
	return &context{envs: envs}
}

type context struct {
	envs map[string]string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// FormatCmd renders a remote command line with the context's environment
// assignments prefixed and every argument individually quoted.
// Env assignments are emitted in sorted key order so the formatted command
// is deterministic.
func FormatCmd(ctx Context, argv ...string) string {
	out := formatEnvPrefix(ctx)

	for _, s := range argv {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

// FormatShell renders an inline shell command with the context's
// environment assignments prefixed. The command itself is passed through
// verbatim: it is a caller-supplied shell expression, not an argv list.
func FormatShell(ctx Context, command string) string {
	return strings.TrimSpace(formatEnvPrefix(ctx) + command)
}

func formatEnvPrefix(ctx Context) string {
	envs := ctx.Envs()

	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := ""
	for _, k := range keys {
		out = fmt.Sprintf("%s%s=%q ", out, k, envs[k])
	}

	return out
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}

package secrets

import (
	"fmt"
	"os"
	"sort"
)

// Names of the environment variables that make up the credentials bundle.
// They are read once at startup and passed explicitly; nothing in this
// package keeps process-wide mutable state.
const (
	EnvSupabaseURL        = "SUPABASE_URL"
	EnvSupabaseServiceKey = "SUPABASE_SERVICE_KEY"
	EnvTrellisAPIHost     = "TRELLIS_API_HOST"
	EnvRunpodUsername     = "RUNPOD_USERNAME"
	EnvRunpodPassword     = "RUNPOD_PASSWORD"
	EnvDispatchToken      = "DISPATCH_TOKEN"
)

// knownVars lists every variable the bundle will pick up. Which of them are
// required depends on the consumer: the dispatch client needs the token, the
// generation pipeline needs the Supabase and RunPod credentials, and an
// external script gets whatever is present.
var knownVars = []string{
	EnvSupabaseURL,
	EnvSupabaseServiceKey,
	EnvTrellisAPIHost,
	EnvRunpodUsername,
	EnvRunpodPassword,
	EnvDispatchToken,
}

// Bundle is a scoped snapshot of the named credentials. Values never appear
// in logs: install a Redactor built from the same bundle in front of every
// output sink.
type Bundle struct {
	values map[string]string
}

// FromEnv captures the known variables from the process environment.
func FromEnv() *Bundle {
	b := &Bundle{values: make(map[string]string, len(knownVars))}
	for _, name := range knownVars {
		if v := os.Getenv(name); v != "" {
			b.values[name] = v
		}
	}
	return b
}

// NewBundle builds a bundle from explicit values (used in tests).
func NewBundle(values map[string]string) *Bundle {
	b := &Bundle{values: make(map[string]string, len(values))}
	for k, v := range values {
		if v != "" {
			b.values[k] = v
		}
	}
	return b
}

// Get returns the value for a variable name, or "" when absent.
func (b *Bundle) Get(name string) string {
	return b.values[name]
}

// Require returns the named values, erroring on the first one missing.
func (b *Bundle) Require(names ...string) error {
	for _, name := range names {
		if b.values[name] == "" {
			return fmt.Errorf("missing required credential %s", name)
		}
	}
	return nil
}

// Environ renders the bundle as NAME=value pairs for a child process
// environment, in stable order.
func (b *Bundle) Environ() []string {
	env := make([]string, 0, len(b.values))
	for k, v := range b.values {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Values returns the secret values themselves, for redaction.
func (b *Bundle) Values() []string {
	vals := make([]string, 0, len(b.values))
	for _, v := range b.values {
		vals = append(vals, v)
	}
	sort.Strings(vals)
	return vals
}

package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables keyed by name.
type Var map[string]string

// Env composes the environment handed to supervised children.
// Layers, lowest precedence first: inherited OS env, global Var, per-process pairs.
type Env struct {
	Var     Var  // global variables applied to every child
	Inherit bool // start from the daemon's own environment
	base    Var
}

// New returns an Env that inherits the OS environment.
func New() *Env {
	return &Env{Var: make(Var), Inherit: true}
}

// FromOS caches the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Set sets a global variable.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with k=v added; e is left untouched.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), Inherit: e.Inherit, base: e.base}
	for key, val := range e.Var {
		cp.Var[key] = val
	}
	cp.Var[k] = v
	return cp
}

// Merge returns the composed environment as sorted "K=V" pairs with ${VAR}
// references resolved against the composed map (single pass, no recursion).
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	if e.Inherit {
		if e.base == nil {
			e.FromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" pairs into a Var, skipping malformed and empty-key entries.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}

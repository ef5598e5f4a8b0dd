// Package env composes the environment handed to spawned services.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers global variables over a base taken from the OS environment.
type Env struct {
	Var  Var // global variables (K->V)
	base Var
}

// New returns an Env. With useOS the current process environment is the base;
// otherwise services start from an empty environment plus the globals.
func New(useOS bool, globals []string) *Env {
	e := &Env{Var: make(Var), base: make(Var)}
	if useOS {
		e.base = parse(os.Environ())
	}
	for k, v := range parse(globals) {
		e.Var[k] = v
	}
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) { delete(e.Var, k) }

// Merge composes the final environment: base, then globals, then extra
// ("K=V") overrides. Values get one pass of ${VAR} expansion against the
// composed map. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

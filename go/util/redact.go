package util

import (
	"os"
	"strings"

	"go.moonmind.dev/infra/go/skerr"
)

// Secret references take one of the following forms:
//
//	env:NAME    resolved from the environment
//	file:/path  resolved by reading the named file
//	literal     used as-is (discouraged; cannot be redacted to a reference)
//
// ResolveSecretRef resolves a reference to its value. Resolution order for
// bare names is profile lookup (the supplied map) then environment; a miss in
// both is an error.
func ResolveSecretRef(ref string, profile map[string]string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", skerr.Fmt("secret reference %q: environment variable %s is not set", ref, name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		b, err := os.ReadFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return "", skerr.Wrapf(err, "secret reference %q", ref)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		if v, ok := profile[ref]; ok {
			return v, nil
		}
		if v, ok := os.LookupEnv(ref); ok {
			return v, nil
		}
		return "", skerr.Fmt("secret reference %q not found in profile or environment", ref)
	}
}

// Redactor replaces resolved secret values with their reference form in any
// text destined for events, logs, or artifacts.
type Redactor struct {
	// Pairs of (resolved value, replacement), longest values first so that
	// overlapping secrets redact deterministically.
	replacer *strings.Replacer
	empty    bool
}

// NewRedactor returns a Redactor for the given map of reference -> resolved
// value. Empty values are ignored.
func NewRedactor(resolved map[string]string) *Redactor {
	pairs := make([]string, 0, len(resolved)*2)
	for ref, value := range resolved {
		if value == "" {
			continue
		}
		pairs = append(pairs, value, "[redacted:"+ref+"]")
	}
	return &Redactor{
		replacer: strings.NewReplacer(pairs...),
		empty:    len(pairs) == 0,
	}
}

// Redact returns the given text with all known secret values replaced by
// their reference form.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.empty {
		return s
	}
	return r.replacer.Replace(s)
}

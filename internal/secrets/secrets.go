// Package secrets resolves named credentials once at startup and redacts
// them from diagnostic output.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Resolver looks up a named secret. Absence is not an error.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// MapResolver resolves from a fixed map. Empty values count as absent.
type MapResolver map[string]string

func (m MapResolver) Resolve(name string) (string, bool) {
	v, ok := m[name]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// ChainResolver tries each resolver in order.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(name string) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Resolve(name); ok {
			return v, true
		}
	}
	return "", false
}

// EnvResolver is a snapshot of the process environment overlaid with a
// dotenv file. Values from the file win.
type EnvResolver struct {
	values MapResolver
}

// NewEnvResolver snapshots os.Environ and, when dotenvPath names an existing
// file, its entries. A missing file is ignored.
func NewEnvResolver(dotenvPath string) (*EnvResolver, error) {
	values := make(MapResolver)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			values[k] = v
		}
	}

	if dotenvPath != "" {
		file, err := godotenv.Read(dotenvPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", dotenvPath, err)
		default:
			for k, v := range file {
				values[k] = v
			}
		}
	}
	return &EnvResolver{values: values}, nil
}

func (e *EnvResolver) Resolve(name string) (string, bool) {
	return e.values.Resolve(name)
}

// Redact masks a secret to its first and last four characters. Values of
// eight characters or fewer are fully hidden.
func Redact(value string) string {
	switch {
	case value == "":
		return ""
	case len(value) <= 8:
		return "REDACTED"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// Redactor replaces known secret values in free text with their masked form.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor builds a redactor for the given secret values. Values shorter
// than four characters are skipped since they would mask ordinary words.
func NewRedactor(values ...string) *Redactor {
	uniq := make(map[string]struct{}, len(values))
	for _, v := range values {
		if len(v) >= 4 {
			uniq[v] = struct{}{}
		}
	}
	if len(uniq) == 0 {
		return &Redactor{}
	}

	// Longest first so a secret containing another is replaced whole.
	sorted := make([]string, 0, len(uniq))
	for v := range uniq {
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	pairs := make([]string, 0, 2*len(sorted))
	for _, v := range sorted {
		pairs = append(pairs, v, Redact(v))
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// Apply returns s with every known secret masked. A nil Redactor is a no-op.
func (r *Redactor) Apply(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}

// Package deps validates, persists, and installs declared package
// requirements, gated by a runtime-mutation policy.
package deps

import (
	"regexp"
	"strings"

	"github.com/codebox-ai/codebox/internal/errdefs"
)

const maxSpecLength = 256

// specRe accepts a canonical package identifier with an optional version
// constraint, e.g. "pandas" or "requests>=2.0,<3".
var specRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*(?:\[[a-zA-Z0-9,._-]+\])?(?:[<>=!~][^@;\s]*)?$`)

var shellMetaRe = regexp.MustCompile("[;|&`$()]")

// Spec is a validated, normalized package requirement.
type Spec struct {
	// Name is the canonical package name: lowercased, underscores folded to
	// hyphens, no extras or version constraint.
	Name string
	// Full is the normalized requirement string, name plus constraint.
	Full string
}

// Parse validates and normalizes a requirement string. URL installs,
// environment markers, and shell metacharacters are rejected.
func Parse(raw string) (Spec, error) {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec, "empty dep spec")
	}
	if len(spec) > maxSpecLength {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec, "dep spec too long (max %d characters)", maxSpecLength)
	}
	if strings.ContainsAny(spec, "\n\r\x00") {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec, "dep spec contains control characters")
	}
	if strings.ContainsAny(spec, "@;") || strings.ContainsAny(spec, " \t") {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec,
			"dep spec %q: URL installs and environment markers are not supported", spec)
	}
	if strings.Contains(spec, "://") {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec, "dep spec %q: URL installs are not supported", spec)
	}
	if shellMetaRe.MatchString(spec) {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec, "dep spec %q contains shell metacharacters", spec)
	}
	if !specRe.MatchString(spec) {
		return Spec{}, errdefs.New(errdefs.KindInvalidDepSpec, "invalid dep spec %q", spec)
	}

	split := len(spec)
	if i := strings.IndexAny(spec, "[<>=!~"); i >= 0 {
		split = i
	}
	name := strings.ReplaceAll(strings.ToLower(spec[:split]), "_", "-")
	return Spec{Name: name, Full: name + spec[split:]}, nil
}

package framework

import (
	"strings"

	"golang.org/x/mod/semver"
)

// CanonicalVersion converts "3.5.2" or "v3.5.2" to canonical semver form.
// It returns "" for anything that is not a version.
func CanonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// AtLeast reports whether version is min or newer. Unknown versions are
// never at least anything.
func AtLeast(version, min string) bool {
	v := CanonicalVersion(version)
	if v == "" {
		return false
	}
	return semver.Compare(v, CanonicalVersion(min)) >= 0
}

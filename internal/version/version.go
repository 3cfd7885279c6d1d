// Package version resolves the binary's version string, decorating
// release builds run from a git checkout with describe output.
package version

import (
	"os/exec"
	"strings"
)

// Set at build time via -ldflags.
var (
	Version = "1.0.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns the full version string. Inside a git checkout
// whose HEAD is not on a release tag, a describe-derived suffix is
// appended so dev builds are distinguishable from releases.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}

	if suffix := gitSuffix(base, git); suffix != "" {
		return base + "-" + suffix
	}
	return base
}

func gitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}

	// On an exact release tag there is nothing to add.
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}

	if rest, ok := strings.CutPrefix(desc, "v"+base+"-"); ok {
		return rest
	}
	return desc
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Package version exposes build identity for logs, user agents, and the
// system info endpoint. The commit comes from -ldflags when set (container
// builds without .git), otherwise from the module's VCS build settings.
package version

import "runtime/debug"

// AppName is the application name used in version strings and log lines.
const AppName = "quarry"

// commitOverride is injected with -ldflags "-X .../version.commitOverride=...".
var commitOverride string

// GitCommit is the short commit hash, suffixed with "+dirty" when the
// working tree was modified at build time. "dev" when nothing is known,
// which is the normal case under `go test`.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	commit, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if dirty {
		return shorten(commit) + "+dirty"
	}
	return shorten(commit)
}

func shorten(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// Full returns "quarry/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

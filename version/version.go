package version

import "runtime/debug"

// These vars are set at build time via:
//
//	go build -ldflags "-X pgcore/version.Tag=v1.0.0 -X pgcore/version.GitCommit=abc1234 -X pgcore/version.BuildTime=2026-02-26T00:00:00Z"
var (
	Tag       = "dev"
	GitCommit = "" // empty = auto-detect from build info
	BuildTime = "" // empty = auto-detect from build info
)

// String is the verbose form printed by --version: tag plus commit and
// build time, falling back to the Go module's embedded VCS info when the
// ldflags weren't set.
func String() string {
	commit, buildTime := GitCommit, BuildTime
	if commit == "" || buildTime == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					if commit == "" && len(s.Value) >= 8 {
						commit = s.Value[:8]
					}
				case "vcs.time":
					if buildTime == "" {
						buildTime = s.Value
					}
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	if buildTime == "" {
		buildTime = "unknown"
	}
	return "pgcore " + Tag + " (commit " + commit + ", built " + buildTime + ")"
}

// ClientInfo is the short form suitable for a StartupMessage's
// application_name and for structured log fields, where the full
// commit/build-time string would be noise on every line.
func ClientInfo() string {
	return "pgcore/" + Tag
}

// Package version provides version information about the application.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// These variables are set at build time using -ldflags.
var (
	// Version is the release version number, without a leading "v".
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the date of the build.
	BuildDate = "unknown"
)

// Fallback is reported when neither ldflags nor the module build info
// carry a usable version.
const Fallback = "0.1.0"

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info holds all the version information.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
	Platform  string `json:"platform" yaml:"platform"`
	// Fallback is true when Version is the built-in default.
	Fallback bool `json:"fallback" yaml:"fallback"`
}

// Get returns the version information.
func Get() Info {
	info := Info{
		Commit:    Commit,
		BuildDate: BuildDate,
	}
	info.Version, info.Fallback = resolve()

	if bi, ok := readBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "GOOS":
				info.Platform = setting.Value
			case "GOARCH":
				if info.Platform != "" {
					info.Platform += "/" + setting.Value
				}
			case "vcs.revision":
				if info.Commit == "unknown" {
					info.Commit = setting.Value
				}
			}
		}
	}

	if info.Platform == "" {
		info.Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	}

	return info
}

// Current returns the running version string used for update comparisons.
func Current() string {
	v, _ := resolve()
	return v
}

// resolve picks the ldflags version, then the main module version from the
// build info, then Fallback.
func resolve() (string, bool) {
	if v := clean(Version); v != "" && v != "dev" {
		return v, false
	}
	if bi, ok := readBuildInfo(); ok {
		if v := clean(bi.Main.Version); v != "" && v != "(devel)" {
			return v, false
		}
	}
	return Fallback, true
}

func clean(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// Age returns a human-readable age of the build.
func Age() string {
	if BuildDate == "unknown" {
		return "unknown"
	}

	t, err := time.Parse(time.RFC3339, BuildDate)
	if err != nil {
		return "unknown"
	}

	duration := time.Since(t)
	switch {
	case duration < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(duration.Hours()))
	case duration < 30*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(duration.Hours()/24))
	case duration < 365*24*time.Hour:
		return fmt.Sprintf("%d months ago", int(duration.Hours()/(24*30)))
	}
	return fmt.Sprintf("%d years ago", int(duration.Hours()/(24*365)))
}

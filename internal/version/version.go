package version

import "runtime"

// Set at build time with -ldflags "-X github.com/heartline/alertd/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info describes the running build
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String formats the build for `alertd version`
func (i Info) String() string {
	return "alertd " + i.Version + " (commit: " + i.Commit + ", built: " + i.BuildDate + ", " + i.GoVersion + ")"
}

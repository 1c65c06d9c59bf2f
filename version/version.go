// Package version exposes build metadata stamped via ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time, e.g.
//
//	go build -ldflags "-X github.com/mwmbl/post/version.Version=v1.2.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the full build record, serializable for `post version --json`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit_hash"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get assembles the build record for the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("post %s (commit %s, built %s)", i.Version, i.Commit, i.BuildTime)
}

// UserAgent identifies the binary on outbound HTTP requests.
func UserAgent() string {
	return "mwmbl-post/" + Version
}

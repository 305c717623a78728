// Package buildinfo exposes the version stamped into clawup binaries.
package buildinfo

import "fmt"

// Set at link time:
//
//	go build -ldflags "-X github.com/clawup/clawup/internal/buildinfo.Version=v0.3.0"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("clawup %s (commit %s, built %s)", Version, Commit, Date)
}

// UserAgent is sent on outbound validation requests.
func UserAgent() string {
	return "clawup/" + Version
}

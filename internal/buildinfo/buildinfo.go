package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("patternd version=%s commit=%s date=%s", Version, Commit, Date)
}

// UserAgent is sent on every request patternd makes to the controller.
func UserAgent() string {
	return "patternd/" + Version
}

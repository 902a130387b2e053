// Package buildinfo carries release metadata stamped in by the linker:
//
//	-X 'github.com/m3rciful/marketbot/core/buildinfo.Version=v0.3.0'
//	-X 'github.com/m3rciful/marketbot/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/marketbot/core/buildinfo.Date=2026-10-01T12:00:00Z'
package buildinfo

import "fmt"

var (
	// Version reports the semantic version or tag of the build.
	Version = "dev"
	// Commit reports the source control commit used for the build.
	Commit = "local"
	// Date reports the build timestamp in RFC3339 format.
	Date = ""
)

// String renders the metadata for logs and the CLI version flag.
func String() string {
	if Date == "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

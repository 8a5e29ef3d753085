// Package version holds build information, set with -ldflags -X.
package version

var (
	Version   = "v0.0.0"
	GitCommit = "unknown"
)

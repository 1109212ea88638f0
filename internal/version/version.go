// Package version carries build metadata, set with -ldflags:
//
//	go build -ldflags "-X github.com/banshee-data/blobtrack/internal/version.Version=v0.3.0 \
//	  -X github.com/banshee-data/blobtrack/internal/version.GitSHA=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release version.
	Version = "dev"
	// GitSHA is the git commit SHA.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for -version and the monitor.
func String() string {
	return fmt.Sprintf("blobtrack %s (%s, built %s)", Version, GitSHA, BuildTime)
}

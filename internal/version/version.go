// Package version provides build-time version information for tagsync.
//
// Version, Commit, Date, Branch and TreeState are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/tagsync/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/tagsync/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/tagsync/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version following SemVer 2.0.0.
	// Prerelease format: "1.2.3-SNAPSHOT.abc1234"
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"

	// Branch is the git branch the build was made from.
	Branch = "unknown"

	// TreeState is "clean" or "dirty".
	TreeState = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "tagsync"

const shortSHALength = 8

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	CommitSHA string `json:"commit_sha"`
	Date      string `json:"date"`
	Branch    string `json:"branch"`
	TreeState string `json:"tree_state"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		CommitSHA: shortSHA(),
		Date:      Date,
		Branch:    Branch,
		TreeState: TreeState,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

func shortSHA() string {
	if Commit == "unknown" || len(Commit) < shortSHALength {
		return ""
	}
	return Commit[:shortSHALength]
}

func commitLabel() string {
	sha := shortSHA()
	if sha != "" && TreeState == "dirty" {
		sha += "*"
	}
	return sha
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	platform := info.OS + "/" + info.Arch
	if sha := commitLabel(); sha != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, sha, info.Date, info.GoVersion, platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, platform)
}

// Short returns a short version string suitable for CLI --version output.
func Short() string {
	if sha := commitLabel(); sha != "" {
		return fmt.Sprintf("%s (%s)", Version, sha)
	}
	return Version
}

// JSON returns the version information as indented JSON.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

// IsSnapshot returns true if this is a snapshot/prerelease build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

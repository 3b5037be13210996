package version

import "strings"

// Semantic version components.
const (
	Maj = "0"
	Min = "1"
	Fix = "0"
)

var (
	// Meta contains extra info about the version. It is helpful for
	// tracking versions while developing. It should be empty on release
	// branches.
	Meta = "dev"

	// Version is the full version string
	Version string

	// GitCommit is set with --ldflags "-X github.com/strandnet/strand/src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	Version = strings.Join([]string{Maj, Min, Fix}, ".")

	if Meta != "" {
		Version += "-" + Meta
	}

	if GitCommit != "" {
		Version += "-" + GitCommit[:8]
	}
}

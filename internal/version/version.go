package version

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/fatih/color"
)

// Version information for the gorepl CLI.
// These variables can be overridden at build time via -ldflags.

var (
	versionMajorColor = color.New(color.FgYellow, color.Bold)
	versionMinorColor = color.New(color.FgGreen, color.Bold)
	versionPatchColor = color.New(color.FgBlue, color.Bold)

	// Version is the semantic version of the CLI.
	Version = versionMajorColor.Sprint("0") + "." + versionMinorColor.Sprint("1") + "." + versionPatchColor.Sprint("0") + "-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// GitMessage is an optional git commit message.
	GitMessage = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

// Describe is the multi-line report printed by `gorepl version`.
func Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gorepl %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if GitCommit != "" {
		fmt.Fprintf(&b, "commit: %s", GitCommit)
		if msg := strings.TrimSpace(GitMessage); msg != "" {
			fmt.Fprintf(&b, " %s", strings.SplitN(msg, "\n", 2)[0])
		}
		b.WriteByte('\n')
	}
	if BuildDate != "" {
		fmt.Fprintf(&b, "built: %s\n", BuildDate)
	}
	return b.String()
}

var colorCodes = regexp.MustCompile("\x1b\\[[0-9;]*m")

// Plain returns Version without color codes.
func Plain() string {
	return colorCodes.ReplaceAllString(Version, "")
}

// Package version carries build metadata for the shapeshift CLI. The plain
// fields can be overridden at build time via -ldflags.
package version

import (
	"strings"

	"github.com/fatih/color"
)

var (
	// Major, Minor and Patch make up the semantic version.
	Major = "0"
	Minor = "3"
	Patch = "0"
	// Suffix is the pre-release tag, empty for releases.
	Suffix = "dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// GitMessage is an optional git commit message.
	GitMessage = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

var (
	majorColor = color.New(color.FgYellow, color.Bold)
	minorColor = color.New(color.FgGreen, color.Bold)
	patchColor = color.New(color.FgBlue, color.Bold)
)

// String returns the plain version, e.g. "0.3.0-dev".
func String() string {
	v := strings.Join([]string{Major, Minor, Patch}, ".")
	if Suffix != "" {
		v += "-" + Suffix
	}
	return v
}

// Colored returns the version with each component colorized. Colors follow
// color.NoColor.
func Colored() string {
	v := majorColor.Sprint(Major) + "." + minorColor.Sprint(Minor) + "." + patchColor.Sprint(Patch)
	if Suffix != "" {
		v += "-" + Suffix
	}
	return v
}

// Package version carries the build identity for the kvmigrate binary, the
// same string trio the teacher's own version package exposes.
package version

var (
	// Name is the name of this binary.
	Name = "kvmigrate"

	// GitCommit is set by the linker at build time.
	GitCommit string

	// Version is the main version number.
	Version = "0.1.0"

	// VersionPrerelease marks pre-release builds, e.g. "dev".
	VersionPrerelease = "dev"
)

// HumanVersion formats the full, human-friendly version string printed on
// startup and in response to -version.
func HumanVersion() string {
	v := Name + " v" + Version
	if VersionPrerelease != "" {
		v += "-" + VersionPrerelease
	}
	if GitCommit != "" {
		v += " (" + GitCommit + ")"
	}
	return v
}

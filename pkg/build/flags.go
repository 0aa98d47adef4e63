// SPDX-License-Identifier: MIT
//
// Package build exposes metadata embedded at link time: the application
// name, build timestamp, Git commit and semantic version. Set them with
//
//	go build -ldflags "-X biotap/pkg/build.buildName=biotap -X biotap/pkg/build.buildVersion=0.1.0 ..."
//
// Development builds carry the defaults below and Initialize reports the
// flags that are missing.
package build

import (
	"errors"
	"fmt"
)

// Description is the one-line summary shown in help output.
const Description = "Streaming RMS envelope and tap detector for biosignals"

type ldFlags struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// String formats the flags for version output.
func (f ldFlags) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", f.Name, f.Version, f.Commit, f.Time)
}

// Package-level variables for build information, populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:        "biotap",
		Description: Description,
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
)

// ErrMissing is wrapped once for every ldflag variable left empty.
var ErrMissing = errors.New("ldflag not set")

// Initialize copies the ldflags variables that were set into the build
// flags. Unset ones keep their defaults and are reported together.
func Initialize() error {
	fields := []struct {
		name string
		val  string
		dst  *string
	}{
		{"buildName", buildName, &buildFlags.Name},
		{"buildTime", buildTime, &buildFlags.Time},
		{"buildCommit", buildCommit, &buildFlags.Commit},
		{"buildVersion", buildVersion, &buildFlags.Version},
	}

	var errs []error
	for _, f := range fields {
		if f.val == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, f.name))
			continue
		}
		*f.dst = f.val
	}
	return errors.Join(errs...)
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}

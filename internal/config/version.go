package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is a MAJOR.MINOR config schema version.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses "1.0"-style versions. Empty means 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", major)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minor)
	}
	return SchemaVersion{Major: maj, Minor: mnr}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsCompatible reports whether a reader for target can read v. Minor
// versions are backward compatible; major versions are not.
func (v SchemaVersion) IsCompatible(target SchemaVersion) bool {
	return v.Major == target.Major && v.Minor <= target.Minor
}

// SupportedVersions lists the schema versions this build reads.
var SupportedVersions = []SchemaVersion{
	{Major: 1, Minor: 0},
}

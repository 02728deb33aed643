package capability

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a (major, minor, patch) triple. Prerelease and build metadata
// never participate in ordering: "2.36.0-SNAPSHOT" and "2.36.0+rev1234"
// compare equal to "2.36.0".
type Version struct {
	Major int
	Minor int
	Patch int
}

var versionRegex = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// Parse extracts the numeric core of a version string. Missing components
// default to 0; a string with no leading version yields the zero Version,
// which no feature threshold admits (fail-closed).
func Parse(s string) Version {
	m := versionRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		v.Minor, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v
}

// Compare returns -1, 0, or 1 as v orders before, equal to, or after o.
// Major dominates, then minor, then patch.
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return sign(v.Major - o.Major)
	}
	if v.Minor != o.Minor {
		return sign(v.Minor - o.Minor)
	}
	return sign(v.Patch - o.Patch)
}

// AtLeast reports whether v >= min.
func (v Version) AtLeast(min Version) bool {
	return v.Compare(min) >= 0
}

// IsZero reports whether v carries no version information.
func (v Version) IsZero() bool {
	return v == Version{}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

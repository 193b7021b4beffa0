package versioning

import (
	"fmt"
	"regexp"
	"strconv"
)

// APIVersion is the semantic version of the local control API.
type APIVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// CurrentVersion is advertised in every control API response.
var CurrentVersion = APIVersion{Major: 1, Minor: 1, Patch: 0}

// MinimumVersion is the oldest version clients may still pin.
var MinimumVersion = APIVersion{Major: 1, Minor: 0, Patch: 0}

var versionPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?$`)

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v APIVersion) Compare(other APIVersion) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Patch - other.Patch)
	}
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	if n > 0 {
		return 1
	}
	return 0
}

// ParseVersion accepts "1", "1.2", "1.2.3" and the same with a leading "v".
func ParseVersion(s string) (APIVersion, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return APIVersion{}, fmt.Errorf("invalid version format: %q", s)
	}
	var parts [3]int
	for i := 0; i < 3; i++ {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return APIVersion{}, fmt.Errorf("invalid version component %q: %w", m[i+1], err)
		}
		parts[i] = n
	}
	return APIVersion{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

// Supported reports whether a client pinned to v can be served: same major
// line, no older than MinimumVersion and no newer than CurrentVersion.
func Supported(v APIVersion) bool {
	return v.Major == CurrentVersion.Major &&
		v.Compare(MinimumVersion) >= 0 &&
		v.Compare(CurrentVersion) <= 0
}

// SupportedRange is the value of the X-Supported-Versions header.
func SupportedRange() string {
	return MinimumVersion.String() + " - " + CurrentVersion.String()
}

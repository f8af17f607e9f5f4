package labels

import (
	"fmt"
	"regexp"
	"strconv"

	masterminds "github.com/Masterminds/semver/v3"
)

// VersionKey is the label holding an endpoint's SemVer version.
const VersionKey = "version"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// VersionMatcher accepts endpoints whose version label satisfies a range.
//
// Supported ranges:
//   - 3            (major only)
//   - 3.2.1        (exact)
//   - ^3.2.0, ~3.2 (caret / tilde)
//   - >=3.0.0 <4   (comparison)
type VersionMatcher struct {
	key        string
	raw        string
	major      int
	constraint *masterminds.Constraints
}

// Version builds a VersionMatcher over VersionKey.
func Version(rangeStr string) (*VersionMatcher, error) {
	return VersionOn(VersionKey, rangeStr)
}

// VersionOn builds a VersionMatcher over a custom label key.
func VersionOn(key, rangeStr string) (*VersionMatcher, error) {
	m := &VersionMatcher{key: key, raw: rangeStr, major: -1}
	if majorOnlyRegex.MatchString(rangeStr) {
		major, err := strconv.Atoi(rangeStr)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid major %q: %w", logPrefix, rangeStr, err)
		}
		m.major = major
		return m, nil
	}
	c, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version range %q: %w", logPrefix, rangeStr, err)
	}
	m.constraint = c
	return m, nil
}

// IsSatisfy implements Matcher. Endpoints without a parseable version never
// match.
func (m *VersionMatcher) IsSatisfy(labels map[string]string) bool {
	raw, ok := labels[m.key]
	if !ok {
		return false
	}
	v, err := masterminds.NewVersion(raw)
	if err != nil {
		return false
	}
	if m.major >= 0 {
		return int(v.Major()) == m.major
	}
	return m.constraint.Check(v)
}

// String returns the range the matcher was built from.
func (m *VersionMatcher) String() string {
	return m.key + "@" + m.raw
}

// Package release tags, deploys, rolls back and prunes the Docker images of
// the service. Versions are "vMAJOR.MINOR.PATCH"; the running version is kept
// in a VERSION file and a version.json record next to the compose file.
package release

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

var (
	ErrInvalidVersion = errors.New("release: invalid version")
	ErrNoImages       = errors.New("release: no version-tagged images")
	ErrTargetNotFound = errors.New("release: target version not found")
	ErrAborted        = errors.New("release: aborted")
	ErrUnhealthy      = errors.New("release: health check failed")
)

var versionPattern = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)$`)

// Valid reports whether s is a release version, with or without the "v".
func Valid(s string) bool {
	return versionPattern.MatchString(s)
}

// Normalize validates s and returns it with the "v" prefix.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !Valid(s) {
		return "", fmt.Errorf("%w: %q (want vMAJOR.MINOR.PATCH)", ErrInvalidVersion, s)
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	return s, nil
}

// Bump increments the major, minor or patch part of v and resets the lower parts.
func Bump(v, kind string) (string, error) {
	v, err := Normalize(v)
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
		}
		nums[i] = n
	}
	switch kind {
	case "major":
		nums = []int{nums[0] + 1, 0, 0}
	case "minor":
		nums = []int{nums[0], nums[1] + 1, 0}
	case "patch":
		nums[2]++
	default:
		return "", fmt.Errorf("unknown bump kind %q (want major, minor or patch)", kind)
	}
	return fmt.Sprintf("v%d.%d.%d", nums[0], nums[1], nums[2]), nil
}

// Compare orders two normalized versions like semver.Compare.
func Compare(a, b string) int {
	return semver.Compare(a, b)
}

// SortNewestFirst sorts normalized versions in place, newest first.
func SortNewestFirst(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return semver.Compare(versions[i], versions[j]) > 0
	})
}

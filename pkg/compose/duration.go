package compose

import (
	"fmt"
	"regexp"
	"strconv"
)

// durationPattern accepts an ordered sum of <int>h, <int>m, <int>s segments,
// each optional but only in that order; any other unit or ordering is
// rejected. Requiring the whole input to match (anchors plus a full-match
// check) is what rejects both unknown units ("1d") and out-of-order
// segments ("1s2m3h").
var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDuration converts a Compose-style duration string into whole
// seconds.
func ParseDuration(s string) (int, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || m[0] != s || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	total := 0
	for i, unitSeconds := range []int{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += n * unitSeconds
	}
	return total, nil
}

package podexec

import (
	"regexp"
	"strconv"
)

var sentinelPattern = regexp.MustCompile(`<completed-sentinel-value-(\d+)>`)

// ExtractSentinel scans stdout for the completion sentinel written by the
// shell trampoline. It reports the
// return code and the stdout with the sentinel spliced out, leaving
// surrounding bytes (including newlines) untouched. ok is false when no
// sentinel is present, or the captured digits don't fit a byte-sized exit
// code.
func ExtractSentinel(stdout string) (cleaned string, code int, ok bool) {
	loc := sentinelPattern.FindStringSubmatchIndex(stdout)
	if loc == nil {
		return stdout, 0, false
	}
	n, err := strconv.Atoi(stdout[loc[2]:loc[3]])
	if err != nil || n < 0 || n > 255 {
		return stdout, 0, false
	}
	return stdout[:loc[0]] + stdout[loc[1]:], n, true
}

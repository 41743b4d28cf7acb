package helmrelease

import "strings"

// EscapeSetString backslash-escapes the characters Helm's --set-string
// grammar treats as structural (',', '.', '=', '\') so an extra-values
// value round-trips through `--set-string=key=value` unchanged. Escapes
// the same separator set helm.sh/helm/v3/pkg/strvals treats specially
// when parsing --set/--set-string expressions; kept as a standalone pure
// function for independent testing.
func EscapeSetString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ',', '.', '=', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

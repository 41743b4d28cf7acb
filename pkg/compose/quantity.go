package compose

import (
	"fmt"
	"regexp"
	"strings"
)

// byteQuantityPattern implements the Compose byte-quantity grammar:
// `^(\d+(\.\d+)?)(b|k|m|g)(b)?$`, case-insensitive, with an optional
// trailing "b" (so "mb", "gb", "kb" are accepted alongside bare "m"/"g"/"k").
var byteQuantityPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)(b|k|m|g)(b)?$`)

var byteQuantitySuffix = map[string]string{
	"b": "",
	"k": "Ki",
	"m": "Mi",
	"g": "Gi",
}

// ParseByteQuantity rewrites a Compose byte-quantity string into the
// Kubernetes resource-quantity suffix form.
func ParseByteQuantity(s string) (string, error) {
	m := byteQuantityPattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("invalid byte quantity %q", s)
	}
	number := m[1]
	unit := strings.ToLower(m[2])
	return number + byteQuantitySuffix[unit], nil
}

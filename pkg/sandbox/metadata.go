package sandbox

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
)

var (
	metadataKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9 ]+$`)
	camelBoundary       = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// PascalizeMetadataKey turns a sample-metadata key into the PascalCase name
// used in a sampleMetadata<Name> values key (-metadata →
// extra-values"): split on spaces and camelCase boundaries, then title-case
// each resulting word and join them without separators.
func PascalizeMetadataKey(key string) string {
	spaced := camelBoundary.ReplaceAllString(key, "$1 $2")
	words := strings.Fields(spaced)
	var b strings.Builder
	for _, w := range words {
		b.WriteString(strings.ToUpper(w[:1]))
		b.WriteString(w[1:])
	}
	return b.String()
}

// ExtraValuesFromMetadata converts sample metadata into --set-string extra
// values. A key is included only when its PascalCase
// sampleMetadata<Name> form appears literally somewhere in chartPath's
// files or in the effective values file at valuesPath; everything else is
// skipped with a logged warning. Keys outside [a-zA-Z0-9 ]+ are always
// skipped.
func ExtraValuesFromMetadata(ctx context.Context, metadata map[string]string, chartPath, valuesPath string) (map[string]string, error) {
	haystack, err := chartAndValuesContent(chartPath, valuesPath)
	if err != nil {
		return nil, err
	}

	out := map[string]string{}
	for key, value := range metadata {
		if !metadataKeyPattern.MatchString(key) {
			logging.L(ctx).Info("skipping sample metadata key with unsupported characters",
				logging.Fields("key", key)...)
			continue
		}
		valuesKey := "sampleMetadata" + PascalizeMetadataKey(key)
		if !strings.Contains(haystack, valuesKey) {
			logging.L(ctx).Info("skipping sample metadata key not referenced by the chart",
				logging.Fields("key", key, "valuesKey", valuesKey)...)
			continue
		}
		out[valuesKey] = value
	}
	return out, nil
}

// chartAndValuesContent concatenates every file under chartPath with the
// effective values file, for a literal substring search: a plain
// filesystem walk over chartPath plus the rendered values file.
// Unreadable files are skipped rather than failing the scan outright; a
// chart this walk can't fully read will simply drop more metadata keys
// than it should, which is the safer failure direction.
func chartAndValuesContent(chartPath, valuesPath string) (string, error) {
	var b strings.Builder
	if chartPath != "" {
		err := filepath.WalkDir(chartPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if data, rerr := os.ReadFile(path); rerr == nil {
				b.Write(data)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	if valuesPath != "" {
		if data, err := os.ReadFile(valuesPath); err == nil {
			b.Write(data)
		}
	}
	return b.String(), nil
}

package sandbox

import (
	"context"
	"os"
	"testing"
)

func TestPascalizeMetadataKey(t *testing.T) {
	cases := map[string]string{
		"environment":    "Environment",
		"some key":       "SomeKey",
		"someKey":        "SomeKey",
		"Task Variant":   "TaskVariant",
		"difficultyTier": "DifficultyTier",
	}
	for in, want := range cases {
		if got := PascalizeMetadataKey(in); got != want {
			t.Errorf("PascalizeMetadataKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtraValuesFromMetadataIncludesReferencedKeys(t *testing.T) {
	chartDir := t.TempDir()
	valuesPath := chartDir + "/values.yaml"
	if err := os.WriteFile(valuesPath, []byte("foo: {{ .Values.sampleMetadataEnvironment }}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := ExtraValuesFromMetadata(context.Background(), map[string]string{
		"environment": "prod",
		"unreferenced key that is not used": "x",
		"bad!chars": "y",
	}, "", valuesPath)
	if err != nil {
		t.Fatalf("ExtraValuesFromMetadata: %v", err)
	}
	if got := out["sampleMetadataEnvironment"]; got != "prod" {
		t.Errorf("sampleMetadataEnvironment = %q, want prod", got)
	}
	if _, ok := out["sampleMetadataUnreferencedKeyThatIsNotUsed"]; ok {
		t.Errorf("unreferenced key should have been skipped")
	}
	if len(out) != 1 {
		t.Errorf("out = %v, want exactly one entry", out)
	}
}

// Package values implements the ValuesSource capability: a single scoped
// operation that hands the caller a Helm values file path for exactly the
// lifetime of one callback, materializing and cleaning up any temporary
// file along the way.
package values

import (
	"context"
	"fmt"
	"os"

	"helm.sh/helm/v3/pkg/chartutil"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/compose"
)

// Source is implemented by the three variants below rather than modeled as
// an enum: either works, but separate concrete types keep each variant's
// validation local to itself.
type Source interface {
	// WithValuesFile invokes fn with the values file path to pass to
	// `helm --values`, or "" when there is none. Any temporary file created
	// to serve fn is removed before WithValuesFile returns, on every path.
	WithValuesFile(ctx context.Context, fn func(path string) error) error
}

// None supplies no values file.
type None struct{}

// WithValuesFile calls fn with an empty path.
func (None) WithValuesFile(_ context.Context, fn func(path string) error) error {
	return fn("")
}

// Static yields a pre-existing values file, validated on each use: it must
// parse as a mapping and contain no null leaves.
type Static struct {
	Path string
}

// WithValuesFile validates Path and calls fn with it unchanged.
func (s Static) WithValuesFile(_ context.Context, fn func(path string) error) error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return errs.NewValidationError(fmt.Sprintf("failed to read values file %s", s.Path), err)
	}
	vals, err := chartutil.ReadValues(data)
	if err != nil {
		return errs.NewValidationError(fmt.Sprintf("values file %s does not parse as a mapping", s.Path), err)
	}
	if err := rejectNullLeaves(map[string]any(vals), s.Path); err != nil {
		return err
	}
	return fn(s.Path)
}

// Compose runs the compose converter (pkg/compose) over Doc and
// materializes a temporary values file scoped to fn's lifetime, accepting
// either a path-backed or purely in-memory document.
type Compose struct {
	// Doc is the raw Compose document, whether it originated from a file on
	// disk or an in-memory document passed by the framework.
	Doc []byte
	// SourcePath is carried through only for error messages; it may name a
	// real file or a synthetic label like "<in-memory compose document>".
	SourcePath string
}

// WithValuesFile converts Doc, validates the result, writes it to a
// temporary file for the duration of fn, and removes the file afterwards.
func (c Compose) WithValuesFile(_ context.Context, fn func(path string) error) error {
	top, err := compose.ParseDocument(c.Doc, c.SourcePath)
	if err != nil {
		return errs.NewValidationError("failed to parse compose document", err)
	}
	converted, err := compose.Convert(top, c.SourcePath)
	if err != nil {
		return errs.NewValidationError("failed to convert compose document to values", err)
	}

	data, err := sigsyaml.Marshal(converted)
	if err != nil {
		return fmt.Errorf("failed to marshal converted values: %w", err)
	}

	var generic map[string]any
	if err := sigsyaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to re-parse converted values: %w", err)
	}
	if err := rejectNullLeaves(generic, c.SourcePath); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "inspect-k8s-sandbox-values-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary values file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary values file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary values file: %w", err)
	}

	return fn(path)
}

// rejectNullLeaves walks v and fails if any recursive value is null: a
// values document is accepted only if no recursive value is null.
func rejectNullLeaves(v any, sourcePath string) error {
	switch t := v.(type) {
	case nil:
		return errs.NewValidationError(fmt.Sprintf("%s: values document contains a null value", sourcePath), nil)
	case map[string]any:
		for _, child := range t {
			if err := rejectNullLeaves(child, sourcePath); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := rejectNullLeaves(child, sourcePath); err != nil {
				return err
			}
		}
	}
	return nil
}

package podfile

import (
	"archive/tar"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
)

func buildTar(t *testing.T, name string, body []byte, typeflag byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: typeflag}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf
}

func TestExtractSingleEntryReturnsContent(t *testing.T) {
	archive := buildTar(t, "work/out.txt", []byte("hello world"), tar.TypeReg)
	data, err := extractSingleEntry(archive, "/work/out.txt", 1024)
	if err != nil {
		t.Fatalf("extractSingleEntry: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q, want %q", data, "hello world")
	}
}

func TestExtractSingleEntryRejectsDirectory(t *testing.T) {
	archive := buildTar(t, "work/", nil, tar.TypeDir)
	_, err := extractSingleEntry(archive, "/work", 1024)
	if !errors.Is(err, syscall.EISDIR) {
		t.Fatalf("err = %v, want EISDIR", err)
	}
	if !errs.IsExpected(err) {
		t.Errorf("directory read error should be classified as expected")
	}
}

func TestExtractSingleEntryEmptyStreamIsNotExist(t *testing.T) {
	_, err := extractSingleEntry(&bytes.Buffer{}, "/missing", 1024)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestExtractSingleEntryEnforcesOutputLimit(t *testing.T) {
	archive := buildTar(t, "big.bin", bytes.Repeat([]byte{0x41}, 100), tar.TypeReg)
	_, err := extractSingleEntry(archive, "/big.bin", 10)
	var limitErr *errs.OutputLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("err = %v, want OutputLimitExceededError", err)
	}
	if limitErr.Limit != 10 {
		t.Errorf("Limit = %d, want 10", limitErr.Limit)
	}
}

func TestClassifyTarErrorMapsStderr(t *testing.T) {
	cases := []struct {
		stderr string
		want   error
	}{
		{"tar: /etc/shadow: Cannot open: Permission denied", os.ErrPermission},
		{"tar: /nope: No such file or directory", os.ErrNotExist},
		{"tar: /etc: Is a directory", syscall.EISDIR},
	}
	for _, c := range cases {
		err := classifyTarError("read", "/p", c.stderr, 2)
		if !errors.Is(err, c.want) {
			t.Errorf("classifyTarError(%q) = %v, want wrapping %v", c.stderr, err, c.want)
		}
		if !errs.IsExpected(err) {
			t.Errorf("classifyTarError(%q) should be an expected error", c.stderr)
		}
	}
}

func TestClassifyTarErrorFallsBackToPlainError(t *testing.T) {
	err := classifyTarError("write", "/p", "tar: some unrecognized condition", 2)
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		t.Errorf("unrecognized stderr should not be classified as a PathError, got %v", err)
	}
}

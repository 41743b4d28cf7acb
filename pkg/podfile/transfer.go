// Package podfile is component I of the sandbox core: file transfer into
// and out of a pod. Both directions are tar streams piped
// through the same exec engine pod exec itself uses, rather than a
// separate protocol.
package podfile

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/podexec"
)

const defaultOutputLimitBytes = 10 * 1024 * 1024

// Transferer writes and reads pod files via tar streams.
type Transferer struct {
	engine           *podexec.Engine
	outputLimitBytes int
}

// NewTransferer builds a Transferer bound to engine. outputLimitBytes <= 0
// falls back to the default 10 MiB cap applied to downloaded file content.
func NewTransferer(engine *podexec.Engine, outputLimitBytes int) *Transferer {
	if outputLimitBytes <= 0 {
		outputLimitBytes = defaultOutputLimitBytes
	}
	return &Transferer{engine: engine, outputLimitBytes: outputLimitBytes}
}

// Write serializes content to a local temp file, then streams a single-entry
// tar archive rooted at destPath into `tar -xf -` inside the pod.
// PermissionError and IsADirectoryError propagate unenriched.
func (t *Transferer) Write(ctx context.Context, pod kubernetes.PodInfo, destPath string, content []byte, user string) error {
	tmp, err := os.CreateTemp("", "podfile-write-*")
	if err != nil {
		return fmt.Errorf("podfile write %s: %w", destPath, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("podfile write %s: %w", destPath, err)
	}

	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	if err := tw.WriteHeader(&tar.Header{
		Name: strings.TrimPrefix(destPath, "/"),
		Mode: 0644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("podfile write %s: build tar header: %w", destPath, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("podfile write %s: stream tar entry: %w", destPath, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("podfile write %s: close tar stream: %w", destPath, err)
	}

	res, err := t.engine.Exec(ctx, podexec.Request{
		Pod:     pod,
		Command: []string{"tar", "-xf", "-", "-C", "/"},
		Stdin:   archive.Bytes(),
		User:    user,
	})
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return classifyTarError("write", destPath, res.Stderr, res.ReturnCode)
	}
	return nil
}

// Read spawns `tar -cf - <path>` inside the pod, streams the output into a
// local temp file, and extracts the single entry.
// decodeUTF8 requests a UnicodeDecodeError when the extracted bytes are not
// valid UTF-8; when false the raw bytes are returned unchecked.
func (t *Transferer) Read(ctx context.Context, pod kubernetes.PodInfo, srcPath string, decodeUTF8 bool, user string) ([]byte, error) {
	res, err := t.engine.Exec(ctx, podexec.Request{
		Pod:     pod,
		Command: []string{"tar", "-cf", "-", "-C", "/", strings.TrimPrefix(srcPath, "/")},
		User:    user,
	})
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return nil, classifyTarError("read", srcPath, res.Stderr, res.ReturnCode)
	}

	tmp, err := os.CreateTemp("", "podfile-read-*")
	if err != nil {
		return nil, fmt.Errorf("podfile read %s: %w", srcPath, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.WriteString(res.Stdout); err != nil {
		return nil, fmt.Errorf("podfile read %s: %w", srcPath, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("podfile read %s: %w", srcPath, err)
	}

	data, err := extractSingleEntry(tmp, srcPath, t.outputLimitBytes)
	if err != nil {
		return nil, err
	}
	if decodeUTF8 && !utf8.Valid(data) {
		return nil, errs.NewUnicodeDecodeError(srcPath)
	}
	return data, nil
}

// extractSingleEntry reads the first entry of the tar stream in r, enforcing
// outputLimitBytes on its decompressed size.
func extractSingleEntry(r io.Reader, srcPath string, outputLimitBytes int) ([]byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err == io.EOF {
		return nil, &fs.PathError{Op: "read", Path: srcPath, Err: os.ErrNotExist}
	}
	if err != nil {
		return nil, fmt.Errorf("podfile read %s: corrupt tar stream: %w", srcPath, err)
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil, &fs.PathError{Op: "read", Path: srcPath, Err: syscall.EISDIR}
	}

	var buf bytes.Buffer
	n, copyErr := io.CopyN(&buf, tr, int64(outputLimitBytes)+1)
	if copyErr != nil && copyErr != io.EOF {
		return nil, fmt.Errorf("podfile read %s: %w", srcPath, copyErr)
	}
	if n > int64(outputLimitBytes) {
		return nil, &errs.OutputLimitExceededError{Limit: outputLimitBytes, Observed: int(n)}
	}
	return buf.Bytes(), nil
}

// classifyTarError maps a failed tar invocation's stderr to the expected
// stdlib-shaped errors, falling back to a plain error for
// anything else.
func classifyTarError(op, path, stderr string, code int) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"):
		return &fs.PathError{Op: op, Path: path, Err: os.ErrPermission}
	case strings.Contains(lower, "no such file or directory"):
		return &fs.PathError{Op: op, Path: path, Err: os.ErrNotExist}
	case strings.Contains(lower, "is a directory"):
		return &fs.PathError{Op: op, Path: path, Err: syscall.EISDIR}
	default:
		return fmt.Errorf("tar exited %d: %s", code, strings.TrimSpace(stderr))
	}
}

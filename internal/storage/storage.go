package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound       = errors.New("file not found")
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// maxNameAttempts bounds the "name (n).ext" search in freeName.
const maxNameAttempts = 1000

// File describes one listed object. ID is stable across moves.
type File struct {
	ID       string
	Name     string
	MimeType string
}

// Storage is the remote file store the sync reads from and moves files in.
// Locations are opaque identifiers: folder ids, key prefixes or directories.
type Storage interface {
	ListChildren(ctx context.Context, location string) ([]File, error)
	DownloadToLocalTemp(ctx context.Context, file File, dir string) (string, error)
	MoveToLocation(ctx context.Context, fileID, newLocation, oldLocation string) error
	FileLink(ctx context.Context, fileID string) (string, error)
}

// createTempFile reserves a file in dir that keeps the extension of name.
func createTempFile(dir, name string) (*os.File, error) {
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, "notesync-*"+filepath.Ext(name))
}

// downloadTo streams r into a fresh temp file and returns its path. A failed
// copy removes the partial file.
func downloadTo(logger *slog.Logger, dir string, file File, size int64, r io.Reader) (string, error) {
	out, err := createTempFile(dir, file.Name)
	if err != nil {
		return "", fmt.Errorf("create temporary file for %s: %w", file.ID, err)
	}
	progress := &progressWriter{logger: logger, fileID: file.ID, total: size}
	_, copyErr := io.Copy(io.MultiWriter(out, progress), r)
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("download %s: %w", file.ID, copyErr)
	}
	logger.Info("file downloaded", "file_id", file.ID, "path", out.Name(), "bytes", progress.written)
	return out.Name(), nil
}

type progressWriter struct {
	logger  *slog.Logger
	fileID  string
	total   int64
	written int64
	step    int
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		// log at most every 10%
		step := int(p.written * 10 / p.total)
		if step > p.step {
			p.step = step
			p.logger.Debug("downloading file", "file_id", p.fileID, "percent", step*10)
		}
	}
	return len(b), nil
}

// contentID is the hex md5 of r. Local and S3 files use it as their id so
// two files sharing a name in different folders never collide.
func contentID(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isContentID(s string) bool {
	if len(s) != md5.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// freeName returns name, or the first "stem (n).ext" that taken reports as
// unused.
func freeName(name string, taken func(string) (bool, error)) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; n <= maxNameAttempts; n++ {
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", name, maxNameAttempts)
}

func mimeTypeFor(name string) string {
	if typ := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); typ != "" {
		if base, _, err := mime.ParseMediaType(typ); err == nil {
			return base
		}
		return typ
	}
	return "application/octet-stream"
}

func discardLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalStorage treats directories below Root as locations. A file's id is the
// md5 of its contents, so it survives a move and does not depend on the name.
type LocalStorage struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	index map[string]string
}

func NewLocalStorage(root string, logger *slog.Logger) (*LocalStorage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &LocalStorage{root: abs, logger: discardLogger(logger), index: map[string]string{}}, nil
}

func (s *LocalStorage) Root() string {
	return s.root
}

// LocationPath returns the directory a location maps to.
func (s *LocalStorage) LocationPath(location string) (string, error) {
	location = strings.Trim(filepath.ToSlash(strings.TrimSpace(location)), "/")
	if location == "" {
		return "", fmt.Errorf("location is required")
	}
	cleaned := filepath.Clean(filepath.FromSlash(location))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("location %q escapes storage root", location)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *LocalStorage) ListChildren(ctx context.Context, location string) ([]File, error) {
	dir, err := s.LocationPath(location)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []File{}, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	files := make([]File, 0, len(entries))
	paths := make(map[string]string, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		id, err := hashFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("hash %s: %w", full, err)
		}
		if first, dup := paths[id]; dup {
			s.logger.Warn("skipping file with the same content as another", "file", name, "same_as", filepath.Base(first))
			continue
		}
		paths[id] = full
		files = append(files, File{ID: id, Name: name, MimeType: mimeTypeFor(name)})
	}
	s.mu.Lock()
	for id, full := range paths {
		s.index[id] = full
	}
	s.mu.Unlock()
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return contentID(f)
}

func (s *LocalStorage) DownloadToLocalTemp(ctx context.Context, file File, dir string) (string, error) {
	path, err := s.pathFor(file.ID)
	if err != nil {
		return "", err
	}
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()
	var size int64
	if info, statErr := in.Stat(); statErr == nil {
		size = info.Size()
	}
	return downloadTo(s.logger, dir, file, size, in)
}

func (s *LocalStorage) MoveToLocation(ctx context.Context, fileID, newLocation, oldLocation string) error {
	oldPath, err := s.pathFor(fileID)
	if err != nil {
		return err
	}
	targetDir, err := s.LocationPath(newLocation)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	if filepath.Dir(oldPath) == targetDir {
		return nil
	}
	base := filepath.Base(oldPath)
	name, err := freeName(base, func(candidate string) (bool, error) {
		_, err := os.Lstat(filepath.Join(targetDir, candidate))
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", fileID, newLocation, err)
	}
	if name != base {
		s.logger.Warn("name already used in target location", "file_id", fileID, "name", base, "renamed_to", name)
	}
	newPath := filepath.Join(targetDir, name)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("move %s to %s: %w", fileID, newLocation, err)
	}
	s.mu.Lock()
	s.index[fileID] = newPath
	s.mu.Unlock()
	s.logger.Debug("file moved", "file_id", fileID, "from", oldLocation, "to", newLocation)
	return nil
}

func (s *LocalStorage) FileLink(ctx context.Context, fileID string) (string, error) {
	path, err := s.pathFor(fileID)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

func (s *LocalStorage) pathFor(fileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.index[fileID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	return path, nil
}

package seenset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LineFileStore keeps one identifier per line. Every Save replaces the file
// atomically, so a crash leaves either the previous or the new set.
type LineFileStore struct {
	Path string
}

func NewLineFileStore(path string) *LineFileStore {
	return &LineFileStore{Path: strings.TrimSpace(path)}
}

func (b *LineFileStore) Load() (*Snapshot, error) {
	if b == nil || b.Path == "" {
		return nil, ErrInvalidDSN
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	snapshot := &Snapshot{IDs: []string{}}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		snapshot.IDs = append(snapshot.IDs, line)
	}
	return snapshot, nil
}

func (b *LineFileStore) Save(snapshot *Snapshot) error {
	if b == nil || b.Path == "" {
		return ErrInvalidDSN
	}
	if snapshot == nil {
		return nil
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, []byte(strings.Join(snapshot.IDs, "\n")), 0o644)
}

type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	saves    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (b *MemoryStore) Load() (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return &Snapshot{IDs: append([]string(nil), b.snapshot.IDs...)}, nil
}

func (b *MemoryStore) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = &Snapshot{IDs: append([]string(nil), snapshot.IDs...)}
	b.saves++
	return nil
}

// Saves counts Save calls.
func (b *MemoryStore) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// AssetStore reads and atomically replaces files under an install directory
type AssetStore struct {
	Root    string
	Logger  *Logger
	OnWrite DelegateWriteStreamInfo

	locks sync.Map // name -> *sync.Mutex
}

// NewAssetStore creates a store rooted at root
func NewAssetStore(root string, logger *Logger) *AssetStore {
	return &AssetStore{Root: root, Logger: logger}
}

// ValidateAssetName accepts only canonical slash separated relative names,
// so two different names never address the same file.
func ValidateAssetName(name string) error {
	switch {
	case name == "" || name == ".":
		return fmt.Errorf("name %q does not address a file", name)
	case strings.ContainsRune(name, '\\'):
		return fmt.Errorf("name %q must use forward slashes", name)
	case strings.HasSuffix(name, "/") || path.Clean(name) != name:
		return fmt.Errorf("name %q is not in canonical form", name)
	case !filepath.IsLocal(filepath.FromSlash(name)):
		return fmt.Errorf("name %q is not a local relative path", name)
	}
	return nil
}

// Path maps a manifest filename to its location on disk
func (s *AssetStore) Path(name string) (string, error) {
	if err := ValidateAssetName(name); err != nil {
		return "", fmt.Errorf("refusing to use %q under %s: %w", name, s.Root, err)
	}
	return filepath.Join(s.Root, filepath.FromSlash(name)), nil
}

// Lock serializes every operation on the file behind name and returns the
// unlock function
func (s *AssetStore) Lock(name string) func() {
	key := name
	if p, err := s.Path(name); err == nil {
		key = filepath.Clean(p)
	}
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Read returns the content of name. A missing file yields (nil, false, nil).
func (s *AssetStore) Read(name string) ([]byte, bool, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, true, nil
}

// Commit replaces name with data. The data is written to a temporary file in
// the same directory, synced and renamed over the target, so readers see the
// old content or the new one and never a partial file.
func (s *AssetStore) Commit(name string, data []byte) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := EnsureDirectory(dir); err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*_tempUpdate")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, mode|0200); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", name, err)
	}
	// Windows refuses to rename over a read-only target. The target only
	// loses its read-only bit once the new content is safely on disk.
	readOnly := mode&0200 == 0
	if readOnly {
		if err := UnassignReadOnlyFromFileInfo(path); err != nil {
			return fmt.Errorf("failed to make %s writable: %w", name, err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if readOnly {
			os.Chmod(path, mode)
		}
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	committed = true

	syncDirectory(dir)
	if s.OnWrite != nil {
		s.OnWrite(int64(len(data)))
	}
	s.Logger.PushLogDebug(s, fmt.Sprintf("Committed %s (%d bytes)", name, len(data)))
	return nil
}

// MakeExecutable adds the execute bits to name if it exists. No-op on Windows.
func (s *AssetStore) MakeExecutable(name string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0111 == 0111 {
		return nil
	}
	return os.Chmod(path, info.Mode().Perm()|0111)
}

// CleanupTemp removes temp files left behind by an interrupted commit
func (s *AssetStore) CleanupTemp() {
	filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && strings.HasSuffix(d.Name(), "_tempUpdate") {
			if err := os.Remove(path); err == nil {
				s.Logger.PushLogDebug(s, fmt.Sprintf("Removed leftover %s", path))
			}
		}
		return nil
	})
}

// syncDirectory makes the rename durable. Not every platform can open a
// directory for syncing, so failures are ignored.
func syncDirectory(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Storage defines the interface for receipt file storage
type Storage interface {
	// Save writes a file and returns the name it was stored under
	Save(filename string, data []byte) (string, error)

	// Get retrieves a stored file by name
	Get(name string) ([]byte, error)

	// Delete removes a stored file
	Delete(name string) error

	// List returns every stored file with its modification time
	List() ([]StoredFile, error)
}

// StoredFile describes one file held by a Storage
type StoredFile struct {
	Name    string
	ModTime time.Time
}

// LocalStorage implements Storage on the local filesystem. Names are
// reduced to their base so nothing escapes the storage directory.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Dir returns the storage directory
func (l *LocalStorage) Dir() string {
	return l.basePath
}

// Save saves a file to local storage
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	name := filepath.Base(filename)
	if err := os.WriteFile(filepath.Join(l.basePath, name), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return name, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(name string) error {
	if err := os.Remove(filepath.Join(l.basePath, filepath.Base(name))); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// List returns the regular files in the storage directory
func (l *LocalStorage) List() ([]StoredFile, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing storage directory: %w", err)
	}
	files := make([]StoredFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // removed while listing
			}
			return nil, fmt.Errorf("reading file info: %w", err)
		}
		files = append(files, StoredFile{Name: e.Name(), ModTime: info.ModTime()})
	}
	return files, nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9\p{Hangul}_-]`)

const maxFileNameLen = 120

// SafeFileName reduces a client-supplied name to its base, replaces
// unsafe characters with underscores and caps its length. The extension
// is kept.
func SafeFileName(original string) string {
	name := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	base = unsafeFileChars.ReplaceAllString(base, "_")
	ext = strings.ToLower(unsafeFileChars.ReplaceAllString(strings.TrimPrefix(ext, "."), "_"))
	if base == "" {
		base = "receipt"
	}
	if ext != "" {
		ext = "." + ext
	}

	runes := []rune(base)
	if limit := maxFileNameLen - len([]rune(ext)); len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes) + ext
}

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Repository persists the whole settings document.
// Load reports found=false when nothing has been saved yet.
type Repository interface {
	Load() (s Settings, found bool, err error)
	Save(s Settings) error
}

// FileRepository keeps settings as one indented JSON document. Writes go to a
// temp file that is renamed over the target, so a concurrent reader never
// sees a half-written file.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	return &FileRepository{path: path}, nil
}

func (r *FileRepository) Path() string { return r.path }

func (r *FileRepository) Load() (Settings, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("open: %w", err)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return Settings{}, false, nil
		}
		return Settings{}, false, fmt.Errorf("decode %s: %w", r.path, err)
	}
	return s, true, nil
}

func (r *FileRepository) Save(s Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", r.path, err)
	}
	return nil
}

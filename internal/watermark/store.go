package watermark

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"tabflow/internal/fsutil"
)

// FileStore keeps cursors as a JSON object in a single file.
type FileStore struct {
	Path string
}

// NewFileStore returns a store at path, or nil when path is empty.
func NewFileStore(path string) Store {
	if path == "" {
		return nil
	}
	return &FileStore{Path: path}
}

// Load reads the cursor map. A missing or empty file is an empty map.
func (s *FileStore) Load() (map[string]any, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	cursors := map[string]any{}
	if err := dec.Decode(&cursors); err != nil {
		return nil, fmt.Errorf("decode watermark store %s: %w", s.Path, err)
	}
	return cursors, nil
}

// Save atomically replaces the file.
func (s *FileStore) Save(cursors map[string]any) error {
	data, err := json.MarshalIndent(cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("encode watermarks: %w", err)
	}
	return fsutil.WriteFileAtomic(s.Path, data, 0o644)
}

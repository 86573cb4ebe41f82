package store

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// LocalFile is the JSON file holding the population on disk.
type LocalFile struct {
	path string
}

// NewLocalFile creates a local store for path.
func NewLocalFile(path string) *LocalFile {
	return &LocalFile{path: path}
}

// Path returns the file location.
func (l *LocalFile) Path() string {
	return l.path
}

// Load reads the population. A missing file yields found=false and no error.
func (l *LocalFile) Load() (models.Population, bool, error) {
	data, err := os.ReadFile(l.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return models.Population{}, false, nil
	}
	if err != nil {
		return nil, false, &errors.ErrFileRead{Path: l.path, Err: err}
	}
	pop, err := DecodePopulation(data)
	if err != nil {
		return nil, true, &errors.ErrFileRead{Path: l.path, Err: err}
	}
	return pop, true, nil
}

// Save replaces the file atomically. Readers see either the old or the new
// content, never a partial write.
func (l *LocalFile) Save(pop models.Population) error {
	data, err := EncodePopulation(pop)
	if err != nil {
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}

	dir := filepath.Dir(l.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return &errors.ErrFileWrite{Path: l.path, Err: err}
	}
	return nil
}

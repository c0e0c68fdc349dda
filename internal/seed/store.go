// Package seed resolves seed images on disk, including the placeholder
// shown while the first engine frame is pending.
package seed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/biome/internal/model"
)

// PlaceholderName is the seed shown before the first real frame.
const PlaceholderName = "default.png"

// PlaceholderFrameID marks frames that did not come from the engine.
const PlaceholderFrameID = -1

var (
	ErrInvalidName = errors.New("invalid seed name")
	ErrNotFound    = errors.New("seed not found")
)

var supportedExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Resolve validates name and returns the path of the seed inside Dir.
func (s *Store) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%s: %w: %q", model.ErrSeedInvalid, ErrInvalidName, name)
	}
	if !supportedExt[strings.ToLower(filepath.Ext(name))] {
		return "", fmt.Errorf("%s: %w: unsupported extension %q", model.ErrSeedInvalid, ErrInvalidName, filepath.Ext(name))
	}
	path := filepath.Join(s.Dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return path, nil
}

// Placeholder loads the fixed placeholder seed as a frame.
func (s *Store) Placeholder() (model.Frame, error) {
	path, err := s.Resolve(PlaceholderName)
	if err != nil {
		return model.Frame{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Frame{}, fmt.Errorf("read placeholder: %w", err)
	}
	return model.Frame{ID: PlaceholderFrameID, Data: data, Placeholder: true}, nil
}

// List returns the supported seed file names in Dir.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !supportedExt[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/safe"
)

// RevisionProperties reads the properties of rev.
func (r *Repository) RevisionProperties(rev int64) (map[string][]byte, error) {
	return ReadProperties(r.RevisionPropertiesPath(rev))
}

// WriteRevisionProperties replaces the properties of rev.
func (r *Repository) WriteRevisionProperties(rev int64, props map[string][]byte) error {
	return WriteProperties(r.RevisionPropertiesPath(rev), props)
}

// ReadProperties reads a property file. A missing file is reported with ErrNotFound.
func ReadProperties(path string) (map[string][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("property file %s: %w", path, fserr.ErrNotFound)
		}
		return nil, fserr.IO("read properties", err)
	}

	props := map[string][]byte{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fserr.Corruptf("property file %s: %v", path, err)
	}
	return props, nil
}

// WriteProperties atomically replaces a property file.
func WriteProperties(path string, props map[string][]byte) error {
	if props == nil {
		props = map[string][]byte{}
	}

	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encoding properties: %w", err)
	}

	return fserr.IO("write properties", safe.WriteFile(path, data, 0o644))
}

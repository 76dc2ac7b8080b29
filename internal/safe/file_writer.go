package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrAlreadyDone is returned when the safe file has already been closed
// or committed
var ErrAlreadyDone = errors.New("safe file was already committed or closed")

// FileWriter writes a file atomically: all writes go to a temporary sibling of the target
// which replaces the target on Commit. Readers therefore only ever observe the old or the
// new contents of the target, never a partial write.
type FileWriter struct {
	tmpFile       *os.File
	path          string
	commitOrClose sync.Once
}

// FileWriterConfig contains configuration for the `NewFileWriter()` function.
type FileWriterConfig struct {
	// FileMode is the desired file mode of the committed target file. If left at its default
	// value, then no file mode will be explicitly set for the file.
	FileMode os.FileMode
}

// NewFileWriter takes path as an absolute path of the target file and creates a new FileWriter by
// attempting to create a tempfile. This function either takes no FileWriterConfig or exactly one.
func NewFileWriter(path string, optionalCfg ...FileWriterConfig) (*FileWriter, error) {
	var cfg FileWriterConfig
	if len(optionalCfg) == 1 {
		cfg = optionalCfg[0]
	} else if len(optionalCfg) > 1 {
		return nil, fmt.Errorf("file writer created with more than one config")
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return nil, err
	}

	writer := &FileWriter{path: path, tmpFile: tmpFile}

	if cfg.FileMode != 0 {
		if err := tmpFile.Chmod(cfg.FileMode); err != nil {
			_ = writer.Close()
			return nil, err
		}
	}

	return writer, nil
}

// WriteFile atomically replaces the file at path with data.
func WriteFile(path string, data []byte, mode os.FileMode) (returnedErr error) {
	writer, err := NewFileWriter(path, FileWriterConfig{FileMode: mode})
	if err != nil {
		return fmt.Errorf("creating file writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil && !errors.Is(err, ErrAlreadyDone) && returnedErr == nil {
			returnedErr = err
		}
	}()

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}

	return writer.Commit()
}

// Write wraps the temporary file's Write.
func (fw *FileWriter) Write(p []byte) (n int, err error) {
	return fw.tmpFile.Write(p)
}

// Commit will close the temporary file and rename it to the target file name
// the first call to Commit() will close and delete the temporary file, so
// subsequently calls to Commit() are guaranteed to return an error.
func (fw *FileWriter) Commit() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Sync(); err != nil {
			err = fmt.Errorf("syncing temp file: %w", err)
			return
		}

		if err = fw.tmpFile.Close(); err != nil {
			err = fmt.Errorf("closing temp file: %w", err)
			return
		}

		if err = Rename(fw.tmpFile.Name(), fw.path); err != nil {
			err = fmt.Errorf("renaming temp file: %w", err)
			return
		}
	})

	return err
}

// Close will close and remove the temp file artifact if it exists. If the file
// was already committed, an ErrAlreadyDone error will be returned and no
// changes will be made to the filesystem.
func (fw *FileWriter) Close() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Close(); err != nil {
			return
		}
		if err = os.Remove(fw.tmpFile.Name()); err != nil && !os.IsNotExist(err) {
			return
		}
		err = nil
	})

	return err
}

// Rename moves oldpath to newpath and syncs the directory of newpath so that the rename
// survives a crash. The source file must have been synced by the caller.
func Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return err
	}

	if err := SyncDir(filepath.Dir(newpath)); err != nil {
		return fmt.Errorf("syncing dir: %w", err)
	}

	return nil
}

// SyncDir flushes the directory entry table of dir.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}

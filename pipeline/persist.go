package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aluiziolira/icsd-queryer/models"
)

const (
	// MetadataFile holds the parsed detail fields of an entry.
	MetadataFile = "metadata.json"
	// ScreenshotName is the base name of the structure image, without extension.
	ScreenshotName = "screenshot"
)

// ErrWrite indicates an entry folder could not be written. No folder is left
// under the final name when it is returned.
type ErrWrite struct {
	Path string
	Err  error
}

func (e ErrWrite) Error() string {
	return fmt.Errorf("write %s: %w", e.Path, e.Err).Error()
}

func (e ErrWrite) Unwrap() error {
	return e.Err
}

// Persist writes entry into <basePath>/<collection code>, replacing any
// folder left by an earlier run. The folder is assembled under a temporary
// name and renamed into place, so readers see either the old folder or the
// complete new one.
func Persist(entry *models.Entry, basePath string) (string, error) {
	if entry == nil {
		return "", ErrWrite{Path: basePath, Err: errors.New("nil entry")}
	}
	code := entry.CollectionCode
	if err := checkFolderName(code); err != nil {
		return "", ErrWrite{Path: basePath, Err: err}
	}

	final := filepath.Join(basePath, code)
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return "", ErrWrite{Path: basePath, Err: err}
	}

	tmp := filepath.Join(basePath, fmt.Sprintf(".tmp-%s-%s", code, uuid.NewString()))
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", ErrWrite{Path: final, Err: err}
	}
	if err := writeEntryFiles(entry, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", ErrWrite{Path: final, Err: err}
	}

	if err := swapInto(tmp, final, code); err != nil {
		os.RemoveAll(tmp)
		return "", ErrWrite{Path: final, Err: err}
	}
	return final, nil
}

func writeEntryFiles(entry *models.Entry, dir string) error {
	fields := entry.Fields
	if fields == nil {
		fields = models.Fields{}
	}
	metadata, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	metadata = append(metadata, '\n')
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), metadata, 0o644); err != nil {
		return err
	}

	if len(entry.CIF) > 0 {
		name := entry.CollectionCode + ".cif"
		if err := os.WriteFile(filepath.Join(dir, name), entry.CIF, 0o644); err != nil {
			return err
		}
	}

	if shot := entry.Screenshot; shot != nil && len(shot.Data) > 0 {
		ext := strings.TrimPrefix(shot.Ext, ".")
		if ext == "" {
			ext = "png"
		}
		name := ScreenshotName + "." + ext
		if err := os.WriteFile(filepath.Join(dir, name), shot.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// swapInto moves tmp to final. An existing final folder is moved aside first
// and restored when the rename fails.
func swapInto(tmp, final, code string) error {
	if _, err := os.Stat(final); errors.Is(err, os.ErrNotExist) {
		return os.Rename(tmp, final)
	} else if err != nil {
		return err
	}

	aside := filepath.Join(filepath.Dir(final), fmt.Sprintf(".old-%s-%s", code, uuid.NewString()))
	if err := os.Rename(final, aside); err != nil {
		return fmt.Errorf("move previous folder aside: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		if restoreErr := os.Rename(aside, final); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore previous folder: %w", restoreErr))
		}
		return err
	}
	if err := os.RemoveAll(aside); err != nil {
		slog.Warn("previous entry folder left behind", slog.String("path", aside), slog.Any("error", err))
	}
	return nil
}

func checkFolderName(code string) error {
	switch {
	case code == "":
		return errors.New("empty collection code")
	case code == "." || code == "..":
		return fmt.Errorf("collection code %q is not a folder name", code)
	case strings.ContainsAny(code, `/\`) || strings.HasPrefix(code, "."):
		return fmt.Errorf("collection code %q is not a folder name", code)
	}
	return nil
}

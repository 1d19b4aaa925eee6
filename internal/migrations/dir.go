package migrations

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/koustreak/Sluice/internal/errs"
)

// DirSource reads migration scripts from a local directory.
type DirSource struct {
	path string
}

// NewDirSource returns a source reading .sql files from path.
func NewDirSource(path string) (*DirSource, error) {
	if path == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "empty migrations directory")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindNotFound, "migrations directory not accessible", err)
	}
	if !info.IsDir() {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "%s is not a directory", path)
	}
	return &DirSource{path: path}, nil
}

// Files returns name to content for every .sql file directly in the
// directory. Subdirectories are not descended into.
func (d *DirSource) Files(ctx context.Context) (map[string]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindNotFound, "failed to read migrations directory", err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrKindTimeout, "migration load cancelled", err)
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(d.path, entry.Name()))
		if err != nil {
			return nil, errs.Wrapf(errs.ErrKindBadData, err, "failed to read migration %s", entry.Name())
		}
		files[entry.Name()] = string(content)
	}
	return files, nil
}

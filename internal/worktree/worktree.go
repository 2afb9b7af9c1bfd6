// Package worktree performs the filesystem side of icon mutations, scoped to
// the repository root. It knows nothing about version control.
//
// Layout: <format>/<size>/<name>@<size>.<format>
package worktree

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

type Tree struct {
	fs afero.Fs
}

// New wraps fs, whose root is taken to be the repository root.
func New(fs afero.Fs) *Tree {
	return &Tree{fs: fs}
}

// NewOS returns a Tree confined to root on the host filesystem.
func NewOS(root string) *Tree {
	return New(afero.NewBasePathFs(afero.NewOsFs(), root))
}

// FileName returns the base name used for a rendition of icon name.
func FileName(name string, desc store.IconfileDescriptor) string {
	return fmt.Sprintf("%s@%s.%s", name, desc.Size, desc.Format)
}

// Path returns the slash-separated path of a rendition relative to the root.
func Path(name string, desc store.IconfileDescriptor) string {
	return path.Join(desc.Format, desc.Size, FileName(name, desc))
}

// CreateIconfile writes the content, creating the format and size
// directories as needed. An existing file is overwritten.
func (t *Tree) CreateIconfile(iconfile store.Iconfile) (string, error) {
	if err := validate(iconfile.Name, iconfile.IconfileDescriptor); err != nil {
		return "", err
	}
	if err := t.ensureDir(iconfile.Format); err != nil {
		return "", err
	}
	if err := t.ensureDir(path.Join(iconfile.Format, iconfile.Size)); err != nil {
		return "", err
	}

	rel := Path(iconfile.Name, iconfile.IconfileDescriptor)
	if err := afero.WriteFile(t.fs, rel, iconfile.Content, filePerm); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	return rel, nil
}

// DeleteIconfile removes a rendition. A missing file is reported as NotFound.
func (t *Tree) DeleteIconfile(name string, desc store.IconfileDescriptor) (string, error) {
	if err := validate(name, desc); err != nil {
		return "", err
	}
	rel := Path(name, desc)
	if err := t.fs.Remove(rel); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.NotFoundf("iconfile %s not found in working tree", rel)
		}
		return "", fmt.Errorf("remove %s: %w", rel, err)
	}
	return rel, nil
}

// RenameIconfiles moves every listed rendition of oldName to newName inside
// its format/size directory and returns the new paths.
func (t *Tree) RenameIconfiles(oldName, newName string, descs []store.IconfileDescriptor) ([]string, error) {
	paths := make([]string, 0, len(descs))
	for _, desc := range descs {
		if err := validate(oldName, desc); err != nil {
			return paths, err
		}
		if err := validate(newName, desc); err != nil {
			return paths, err
		}
		from := Path(oldName, desc)
		to := Path(newName, desc)
		if err := t.fs.Rename(from, to); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return paths, apperr.NotFoundf("iconfile %s not found in working tree", from)
			}
			return paths, fmt.Errorf("rename %s to %s: %w", from, to, err)
		}
		paths = append(paths, to)
	}
	return paths, nil
}

// ReadIconfile returns the content of a rendition.
func (t *Tree) ReadIconfile(name string, desc store.IconfileDescriptor) ([]byte, error) {
	rel := Path(name, desc)
	content, err := afero.ReadFile(t.fs, rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFoundf("iconfile %s not found in working tree", rel)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return content, nil
}

func (t *Tree) ensureDir(dir string) error {
	info, err := t.fs.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists but is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := t.fs.Mkdir(dir, dirPerm); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

func validate(name string, desc store.IconfileDescriptor) error {
	for field, value := range map[string]string{"icon name": name, "format": desc.Format, "size": desc.Size} {
		if value == "" {
			return apperr.Validationf("%s must not be empty", field)
		}
		if strings.ContainsAny(value, `/\`) || value == "." || value == ".." {
			return apperr.Validationf("%s %q is not a valid path component", field, value)
		}
	}
	return nil
}

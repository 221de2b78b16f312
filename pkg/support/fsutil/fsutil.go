// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FileExists reports whether path exists. Filesystem failures other than absence, including a parent that is a
// regular file, are returned as errors.
func FileExists(path string) (bool, error) {
	switch _, err := os.Stat(path); {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, errors.Wrapf(err, "failed to check whether %q exists", path)
	}
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		userName, _, _ = strings.Cut(dir[1:], "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// ResolveDir replaces a leading "~" and, if dir is relative, makes it relative to base.
// An empty dir is returned as is.
func ResolveDir(base, dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) && base != "" {
		dir = filepath.Join(base, dir)
	}
	return filepath.Clean(dir), nil
}

// ListRegularFiles returns the names (not paths) of the regular files in dir, sorted lexicographically.
// Subdirectories and hidden files (starting with ".") are skipped.
func ListRegularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// WriteFileAtomic writes data to a uniquely named temporary file in the same directory as path, and then renames
// it to path. Readers either see the previous content or the new one, never a partially written file.
//
// The parent directory must exist.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write temporary file %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	return nil
}

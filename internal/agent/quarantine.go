package agent

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/leonletto/codesweep/internal/detect"
)

// ErrNotInQuarantine is returned when a delete or restore cannot find
// the file. The master treats its text as a terminal outcome, so it
// must stay stable.
var ErrNotInQuarantine = errors.New("file not found in quarantine")

// Quarantine is a holding area for flagged files. Files keep their
// original directory layout under a per-drive subtree so collisions
// between drives cannot occur and restores know where files came from.
type Quarantine struct {
	root string
}

// NewQuarantine creates the holding area rooted at dir.
func NewQuarantine(dir string) (*Quarantine, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve quarantine root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine root: %w", err)
	}
	return &Quarantine{root: abs}, nil
}

// Root returns the absolute quarantine root.
func (q *Quarantine) Root() string { return q.root }

// Contains reports whether path lives under the quarantine root.
// Scanners use it to keep the sweep from eating its own output.
func (q *Quarantine) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(q.root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// driveLabel names the per-drive subtree for a path: the volume name
// on Windows, "root" elsewhere.
func driveLabel(path string) string {
	vol := filepath.VolumeName(path)
	if vol == "" {
		return "root"
	}
	label := strings.NewReplacer(":", "", `\`, "_", "/", "_").Replace(vol)
	label = strings.Trim(label, "_")
	if label == "" {
		return "root"
	}
	return strings.ToLower(label)
}

// destFor maps an original absolute path to its quarantine location.
func (q *Quarantine) destFor(src string) string {
	vol := filepath.VolumeName(src)
	rel := strings.TrimPrefix(src, vol)
	rel = strings.TrimLeft(rel, `/\`)
	return filepath.Join(q.root, driveLabel(src), filepath.FromSlash(rel))
}

// Move places src into the quarantine tree and returns the new path.
// A cross-device rename falls back to copy-then-delete.
func (q *Quarantine) Move(src string) (string, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", src, err)
	}

	dest := q.destFor(abs)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	// Don't clobber an earlier capture of the same path.
	dest = uniquePath(dest)

	err = os.Rename(abs, dest)
	if err == nil {
		return dest, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("quarantine %s: %w", abs, err)
	}
	if err := copyThenRemove(abs, dest); err != nil {
		return "", fmt.Errorf("quarantine %s across devices: %w", abs, err)
	}
	return dest, nil
}

// uniquePath appends -1, -2, ... before the extension until the name
// is free.
func uniquePath(path string) string {
	if _, err := os.Lstat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Lstat(candidate); err != nil {
			return candidate
		}
	}
}

func copyThenRemove(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return os.Remove(src)
}

// FindByHash walks the quarantine tree rehashing files until one
// matches. Returns ErrNotInQuarantine when nothing does.
func (q *Quarantine) FindByHash(hash string) (string, error) {
	if hash == "" {
		return "", ErrNotInQuarantine
	}
	var found string
	err := filepath.WalkDir(q.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		sum, err := detect.HashFile(path)
		if err != nil {
			return nil
		}
		if strings.EqualFold(sum, hash) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk quarantine: %w", err)
	}
	if found == "" {
		return "", ErrNotInQuarantine
	}
	return found, nil
}

// Delete removes a quarantined file, located by hash first and then
// by the original-path hint. It returns the path that was removed.
// Calling it again for the same file yields ErrNotInQuarantine, which
// the master records as a terminal outcome.
func (q *Quarantine) Delete(hash, pathHint string) (string, error) {
	if path, err := q.FindByHash(hash); err == nil {
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("remove %s: %w", path, err)
		}
		return path, nil
	} else if !errors.Is(err, ErrNotInQuarantine) {
		return "", err
	}

	if pathHint == "" {
		return "", ErrNotInQuarantine
	}
	for _, candidate := range q.hintCandidates(pathHint) {
		err := os.Remove(candidate)
		if err == nil {
			return candidate, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("remove %s: %w", candidate, err)
		}
	}
	return "", ErrNotInQuarantine
}

// hintCandidates interprets a path hint either as the file's original
// location, which maps into the tree, or as a literal quarantine path.
func (q *Quarantine) hintCandidates(hint string) []string {
	var out []string
	if abs, err := filepath.Abs(hint); err == nil {
		if q.Contains(abs) {
			out = append(out, abs)
		} else {
			out = append(out, q.destFor(abs))
		}
	}
	return out
}

// Restore moves a quarantined file back to its original path.
func (q *Quarantine) Restore(hash, originalPath string) error {
	src, err := q.FindByHash(hash)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(originalPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", originalPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create restore dir: %w", err)
	}
	err = os.Rename(src, abs)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("restore %s: %w", originalPath, err)
	}
	if err := copyThenRemove(src, abs); err != nil {
		return fmt.Errorf("restore %s across devices: %w", originalPath, err)
	}
	return nil
}

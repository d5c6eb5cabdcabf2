package ratchet

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for paths that leave the workspace root.
var ErrPathEscape = errors.New("ratchet: path escapes workspace")

// NormalizePath maps a caller-supplied path to the logical, slash-separated
// key used by the lock table. Absolute paths, ".." segments, and symlinks
// resolving outside root are rejected whether or not the target exists.
func NormalizePath(root, p string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", fmt.Errorf("ratchet: path is required")
	}
	slashed := filepath.ToSlash(raw)
	if filepath.IsAbs(raw) || strings.HasPrefix(slashed, "/") || filepath.VolumeName(raw) != "" {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, raw)
	}
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %s contains ..", ErrPathEscape, raw)
		}
	}
	rel := path.Clean(slashed)
	if rel == "." || rel == "" {
		return "", fmt.Errorf("ratchet: %s does not name a file", raw)
	}
	if root == "" {
		return rel, nil
	}
	return canonicalize(root, rel)
}

// canonicalize resolves the longest existing prefix of root/rel, verifies it
// stays under the resolved root, and returns the path relative to that root.
// A symlink aliasing another file inside the workspace maps to the file it
// points at, so locks cannot be sidestepped through a second name.
func canonicalize(root, rel string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rel, nil
		}
		return "", fmt.Errorf("ratchet: resolve workspace root: %w", err)
	}
	realRoot, err = filepath.Abs(realRoot)
	if err != nil {
		return "", fmt.Errorf("ratchet: resolve workspace root: %w", err)
	}
	segments := strings.Split(rel, "/")
	current := realRoot
	for i, segment := range segments {
		next := filepath.Join(current, segment)
		info, err := os.Lstat(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return relativeKey(realRoot, current, segments[i:])
			}
			return "", fmt.Errorf("ratchet: inspect %s: %w", strings.Join(segments[:i+1], "/"), err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(next)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// Dangling link: judge by its literal target.
					target, readErr := os.Readlink(next)
					if readErr != nil {
						return "", fmt.Errorf("ratchet: read link %s: %w", next, readErr)
					}
					if !filepath.IsAbs(target) {
						target = filepath.Join(current, target)
					}
					resolved = filepath.Clean(target)
				} else {
					return "", fmt.Errorf("ratchet: resolve %s: %w", next, err)
				}
			}
			if !within(realRoot, resolved) {
				return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, rel, resolved)
			}
			next = resolved
		}
		current = next
	}
	return relativeKey(realRoot, current, nil)
}

func relativeKey(realRoot, resolved string, rest []string) (string, error) {
	prefix, err := filepath.Rel(realRoot, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, resolved)
	}
	parts := []string{}
	if prefix != "." {
		parts = append(parts, filepath.ToSlash(prefix))
	}
	parts = append(parts, rest...)
	key := path.Clean(strings.Join(parts, "/"))
	if key == "." || key == "" {
		return "", fmt.Errorf("ratchet: path resolves to the workspace root")
	}
	return key, nil
}

func within(root, target string) bool {
	relative, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator))
}

// Package workdir implements the deterministic mapping from a session name
// to a filesystem path under a configured root.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/wayfarer-labs/relay/internal/relayerr"
)

// unsafeChars matches path separators and other non-portable characters
// that must not appear in a directory name derived from a session name.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Allocator maps session names to workdirs under a single root.
type Allocator struct {
	root string
}

// New creates an Allocator rooted at root. root is created on first use if
// it does not already exist.
func New(root string) *Allocator {
	return &Allocator{root: root}
}

// sanitize replaces path separators and non-portable characters with "_".
func sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if s == "." || s == ".." {
		// filepath.Join would resolve these to the root or its parent.
		return "_" + s
	}
	return s
}

// Allocate returns root/<sanitized-name>, creating it (mode 0o755) if it
// does not exist. If it exists and is a file, returns ErrWorkdirInvalid.
func (a *Allocator) Allocate(name string) (string, error) {
	dir := filepath.Join(a.root, sanitize(name))
	return a.ensureDir(dir)
}

// Override validates a caller-supplied path, bypassing sanitization. The
// path must already exist and be a directory.
func (a *Allocator) Override(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("workdir: override %s: %w: %w", path, relayerr.ErrWorkdirInvalid, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workdir: override %s: %w", path, relayerr.ErrWorkdirInvalid)
	}
	return path, nil
}

func (a *Allocator) ensureDir(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("workdir: %s exists and is not a directory: %w", dir, relayerr.ErrWorkdirInvalid)
		}
		return dir, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("workdir: stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workdir: create %s: %w", dir, err)
	}
	return dir, nil
}

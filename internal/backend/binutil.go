package backend

import (
	"os"
	"os/exec"
	"path/filepath"
)

// FindBinary locates a helper binary by name. Search order:
//  1. PATH
//  2. Sibling directory of the running executable
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	for _, dir := range []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/libexec"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

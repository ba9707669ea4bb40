package backend

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// vmDirPrefix scopes the orphan sweep: only directories carrying it are
// ever removed.
const vmDirPrefix = "vm-"

// CacheRoot returns the per-user capsa cache directory.
func CacheRoot() string {
	return filepath.Join(xdg.CacheHome, "capsa")
}

// NewWorkDir creates a fresh per-VM scratch directory under the cache
// root. It holds the owner's pid file and any helper sockets the backend
// places there; the instance removes it on kill.
func NewWorkDir() (string, error) {
	dir := filepath.Join(CacheRoot(), vmDirPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// SweepOrphans removes VM scratch directories left behind by a previous
// process that died without cleanup. Directories belonging to live VMs are
// protected by a pid file naming the owning process; a directory is kept
// while that process exists.
func SweepOrphans() {
	entries, err := os.ReadDir(CacheRoot())
	if err != nil {
		return
	}
	log := logrus.WithField("subsys", "workdir")
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), vmDirPrefix) {
			continue
		}
		dir := filepath.Join(CacheRoot(), e.Name())
		if workDirLive(dir) {
			continue
		}
		log.WithField("dir", dir).Info("removing orphaned VM directory")
		_ = os.RemoveAll(dir)
	}
}

// LockWorkDir marks a scratch directory as owned by this process.
func LockWorkDir(dir string) error {
	return os.WriteFile(filepath.Join(dir, "pid"), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func workDirLive(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "pid"))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 probes for the process without /proc, which darwin lacks;
	// EPERM means it exists under another user.
	err = unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}


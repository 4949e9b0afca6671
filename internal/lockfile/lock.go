// Package lockfile provides advisory, cross-process file locking used to
// enforce the cache engine's single-writer-per-environment invariant.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process already holds a conflicting lock.
var ErrLockBusy = errors.New("lockfile: held by another process")

// IsLocked reports whether err indicates a lock held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLockBusy)
}

// Info is written into the lock file alongside the OS-level flock so a
// reader inspecting a stale lock can tell which process (and which
// environment directory) last held it.
type Info struct {
	PID       int       `json:"pid"`
	EnvDir    string    `json:"env_dir"`
	StartedAt time.Time `json:"started_at"`
}

// EnvironmentLock is the advisory exclusive lock a kv.Environment holds on
// its directory for as long as it is open for writing. Only one
// EnvironmentLock may be held on a given directory across the whole
// machine at a time; readers never acquire it.
type EnvironmentLock struct {
	file *os.File
	path string
}

// AcquireExclusive opens (creating if needed) "<dir>/LOCK" and takes a
// non-blocking exclusive flock on it. Returns ErrLockBusy if another
// process already holds the lock.
func AcquireExclusive(dir string) (*EnvironmentLock, error) {
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	if err := FlockExclusiveNonBlock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	info := Info{PID: os.Getpid(), EnvDir: dir, StartedAt: time.Now().UTC()}
	data, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(data, 0)
	}

	return &EnvironmentLock{file: f, path: path}, nil
}

// Release unlocks and closes the lock file. The file itself is left in
// place (it is reused, not recreated, on the next acquire).
func (l *EnvironmentLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := FlockUnlock(l.file); err != nil {
		l.file.Close()
		return fmt.Errorf("lockfile: unlock %s: %w", l.path, err)
	}
	return l.file.Close()
}

// ReadInfo reads the Info last recorded by the holder of dir's lock file,
// without itself taking the lock. Used to diagnose who (if anyone) is
// holding a busy lock.
func ReadInfo(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("lockfile: decode info: %w", err)
	}
	return info, nil
}

// IsStale reports whether the process recorded in info is no longer
// running, meaning the OS already released its flock and a new writer can
// safely acquire it (the flock call itself is always the source of truth;
// this is only used for logging/diagnostics around a failed acquire).
func IsStale(info Info) bool {
	return !isProcessRunning(info.PID)
}

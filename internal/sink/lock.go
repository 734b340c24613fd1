package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// InstanceLock prevents two processes from trading the same strategy instance
// against the same database. The lock file records the owner pid; a lock whose
// owner is dead is taken over.
type InstanceLock struct {
	path string
}

func AcquireInstanceLock(dir, instanceID string) (*InstanceLock, error) {
	if dir == "" {
		return nil, errors.New("lock dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "."+instanceID+".lock")
	for attempts := 0; attempts < 3; attempts++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload := "pid=" + strconv.Itoa(os.Getpid()) + "\nstarted_at=" + time.Now().UTC().Format(time.RFC3339) + "\n"
			if _, werr := f.WriteString(payload); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr
			}
			_ = f.Close()
			return &InstanceLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		ownerAlive, readErr := lockOwnerAlive(path)
		if readErr != nil {
			return nil, fmt.Errorf("instance lock exists: %s (owner check failed: %v)", path, readErr)
		}
		if ownerAlive {
			return nil, fmt.Errorf("instance lock exists: %s (owner running)", path)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, rmErr
		}
	}
	return nil, fmt.Errorf("instance lock exists: %s", path)
}

func lockOwnerAlive(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	pid := 0
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if n, perr := strconv.Atoi(v); perr == nil {
				pid = n
			}
		}
	}
	if pid <= 0 {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	sigErr := proc.Signal(syscall.Signal(0))
	if sigErr == nil {
		return true, nil
	}
	if strings.Contains(strings.ToLower(sigErr.Error()), "not permitted") {
		return true, nil
	}
	return false, nil
}

func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

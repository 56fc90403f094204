package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nixpig/rtcr/internal/capability"
	"golang.org/x/sys/unix"
)

const (
	// lockFilename guards the state directory against a second daemon.
	lockFilename = "rtcrd.lock"

	stateFilename = "state.json"
)

// ErrStateDirInUse is returned when another process holds the state
// directory.
var ErrStateDirInUse = errors.New("state directory in use")

// Record is the persisted registry row of one session.
type Record struct {
	ID          string           `json:"id" cbor:"id"`
	Badge       capability.Badge `json:"badge" cbor:"badge"`
	Label       string           `json:"label" cbor:"label"`
	Args        string           `json:"args" cbor:"args"`
	UpgradeArgs string           `json:"upgrade_args" cbor:"upgrade_args"`
	Created     time.Time        `json:"created" cbor:"created"`
}

// Cap returns the capability of the session's proxy.
func (r Record) Cap() capability.Cap {
	return capability.Cap{Badge: r.Badge}
}

func lockStateDir(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, lockFilename), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if err == unix.EWOULDBLOCK {
			return nil, ErrStateDirInUse
		}

		return nil, fmt.Errorf("acquire file lock: %w", err)
	}

	return f, nil
}

func unlockStateDir(f *os.File) error {
	if f == nil {
		return nil
	}

	defer f.Close()
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// saveRecord writes r to <dir>/<id>/state.json.
func saveRecord(dir string, r Record) error {
	recordDir := filepath.Join(dir, r.ID)

	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("serialise session record: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(recordDir, stateFilename), data, 0o644); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}

	return nil
}

func removeRecord(dir, id string) error {
	return os.RemoveAll(filepath.Join(dir, id))
}

// LoadRecords reads every session record under dir. Directories without a
// record are skipped.
func LoadRecords(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var records []Record

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name(), stateFilename))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("read session record: %w", err)
		}

		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal session record %s: %w", e.Name(), err)
		}

		records = append(records, r)
	}

	return records, nil
}

// writeFileAtomic replaces filename with data via a synced temp file in the
// same directory, so readers see either the old or the new record.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(filename), ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmp := f.Name()
	defer os.Remove(tmp)
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp, filename)
}

package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Record is the content of version.json.
type Record struct {
	Version      string     `json:"version"`
	Commit       string     `json:"commit"`
	DeployedAt   time.Time  `json:"deployed_at"`
	RollbackFrom string     `json:"rollback_from,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

// ReadVersionFile returns the normalized version stored at path. A missing
// file yields an error matching fs.ErrNotExist.
func ReadVersionFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read version file: %w", err)
	}
	v, err := Normalize(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("version file %s: %w", path, err)
	}
	return v, nil
}

// currentVersion is ReadVersionFile with a missing file mapped to "".
func currentVersion(path string) (string, error) {
	v, err := ReadVersionFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return v, err
}

// WriteVersionFile atomically replaces the version pointer.
func WriteVersionFile(path, version string) error {
	v, err := Normalize(version)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, []byte(v+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	return nil
}

// ReadRecord decodes version.json.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read version record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse version record %s: %w", path, err)
	}
	return &rec, nil
}

// WriteRecord atomically replaces version.json.
func WriteRecord(path string, rec Record) error {
	if _, err := Normalize(rec.Version); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending version record: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write version record: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace version record: %w", err)
	}
	return nil
}

// Package emergency implements core.EmergencyFlagStore: the hidden
// filesystem sentinel at `data/.{id:03d}_emergency_stop` that blocks a
// terminated account from restarting automatically (§6).
//
// Grounded on original_source/src/utils/emergency_stop_manager.py
// (EmergencyStopManager): a JSON file per account, created once on a
// terminal condition and never removed by the bot itself — only a human
// clears it after investigating. This package keeps that exact contract
// (file path format, JSON shape, create-then-never-auto-remove) and
// expresses it the way the rest of this tree persists small JSON
// documents: internal/statestore's temp-file-plus-os.Rename atomic write,
// since a torn write here is exactly as unacceptable as a torn
// bot_state.json — a half-written emergency flag must never look absent.
package emergency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"market_maker/internal/core"
)

// Store is the filesystem-backed core.EmergencyFlagStore.
type Store struct {
	dataDir string
	mu      sync.Mutex
}

// New builds a Store rooted at dataDir (typically "data", per §6).
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

var _ core.EmergencyFlagStore = (*Store)(nil)

func (s *Store) path(accountID int) string {
	return filepath.Join(s.dataDir, fmt.Sprintf(".%03d_emergency_stop", accountID))
}

// Exists reports whether accountID's flag file is present, independent of
// whether its contents parse — a corrupt flag still blocks startup, it
// just can't be Read.
func (s *Store) Exists(accountID int) bool {
	_, err := os.Stat(s.path(accountID))
	return err == nil
}

// Read loads and parses the flag file, returning (nil, nil) if it doesn't
// exist and an error only for a present-but-unreadable/corrupt file.
func (s *Store) Read(accountID int) (*core.EmergencyFlag, error) {
	data, err := os.ReadFile(s.path(accountID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("emergency: read flag for account %d: %w", accountID, err)
	}
	var flag core.EmergencyFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, fmt.Errorf("emergency: corrupt flag file for account %d: %w", accountID, err)
	}
	return &flag, nil
}

// Create writes the flag file atomically. It overwrites any existing flag
// for the account (a second terminal condition while the first is still
// unresolved simply records the latest reason) — the bot never calls
// Create more than once for the same incident, but a test harness or a
// retriggered emergency shouldn't fail on an existing file.
func (s *Store) Create(accountID int, flag core.EmergencyFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("emergency: create data dir: %w", err)
	}

	data, err := json.MarshalIndent(flag, "", "  ")
	if err != nil {
		return fmt.Errorf("emergency: marshal flag: %w", err)
	}

	path := s.path(accountID)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".tmp-%03d-*", accountID))
	if err != nil {
		return fmt.Errorf("emergency: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("emergency: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("emergency: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("emergency: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("emergency: rename temp file: %w", err)
	}
	return nil
}

// Remove deletes the flag file. The running bot never calls this itself
// (per the teacher, only an operator clears an emergency stop after
// investigating); it exists for test cleanup and for an operator-facing
// admin command, should one ever be added.
func (s *Store) Remove(accountID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(accountID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("emergency: remove flag for account %d: %w", accountID, err)
	}
	return nil
}

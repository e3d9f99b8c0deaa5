// Package state persists small client-side facts between invocations.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
)

const fileName = "state.json"

// State remembers the most recent session so follow-up commands can omit
// --session.
type State struct {
	LastSession string    `json:"last_session,omitempty"`
	BaseURL     string    `json:"base_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Load reads the state from dataDir. A missing or unreadable file yields
// an empty state.
func Load(dataDir string) *State {
	path := filepath.Join(dataDir, fileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read state file: %v", err)
		}
		return &State{}
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("Failed to parse state JSON: %v", err)
		return &State{}
	}
	return &st
}

// Save writes st to dataDir, creating the directory if needed.
func Save(dataDir string, st *State) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dataDir, fileName)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	logger.Debug("State saved to %s", path)
	return nil
}

// Remember records sessionID as the latest session for baseURL.
func Remember(dataDir, baseURL, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return Save(dataDir, &State{LastSession: sessionID, BaseURL: baseURL, UpdatedAt: time.Now().UTC()})
}

// LastSession returns the remembered session for baseURL, or "" when the
// last session belonged to a different backend.
func LastSession(dataDir, baseURL string) string {
	st := Load(dataDir)
	if st.BaseURL != "" && st.BaseURL != baseURL {
		return ""
	}
	return st.LastSession
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/i5heu/ephemeral/pkg/identity"
)

const sessionFile = "session.mode"

// readMode returns the identity mode recorded by the last
// non-guest session.
func readMode(dataDir string) (identity.Mode, bool) { // A
	data, err := os.ReadFile(filepath.Join(dataDir, sessionFile))
	if err != nil {
		return "", false
	}
	mode, err := identity.ParseMode(strings.TrimSpace(string(data)))
	if err != nil {
		return "", false
	}
	return mode, true
}

// writeMode records mode for the next session. Guest
// sessions leave no trace.
func writeMode(dataDir string, mode identity.Mode) error { // A
	if mode == identity.ModeGuest {
		return nil
	}
	path := filepath.Join(dataDir, sessionFile)
	if err := os.WriteFile(path, []byte(string(mode)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

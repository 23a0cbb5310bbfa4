package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SentinelPath returns the abort sentinel location for a job
func SentinelPath(storageDir, jobID string) string {
	return filepath.Join(storageDir, "abort-"+jobID)
}

// RequestAbort creates the abort sentinel; the running invocation picks it up
// at its next iteration boundary.
func RequestAbort(storageDir, jobID string) error {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	f, err := os.OpenFile(SentinelPath(storageDir, jobID), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create abort sentinel: %w", err)
	}
	return f.Close()
}

func sentinelPresent(storageDir, jobID string) bool {
	_, err := os.Stat(SentinelPath(storageDir, jobID))
	return err == nil
}

func clearSentinel(storageDir, jobID string) error {
	err := os.Remove(SentinelPath(storageDir, jobID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

package checkpoints

import (
	"log/slog"
	"os"
	"path/filepath"
)

// RotationManager keeps the ordered record of checkpoint files saved during
// the current run and evicts the oldest beyond the retention budget. Files
// that existed before the run are invisible to it.
type RotationManager struct {
	maxKeep int
	saved   []string
	logger  *slog.Logger
}

// NewRotationManager creates a rotation manager. A maxKeep of zero or below
// disables rotation entirely: the record still grows, nothing is deleted.
func NewRotationManager(maxKeep int, logger *slog.Logger) *RotationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationManager{maxKeep: maxKeep, logger: logger}
}

// Record appends a freshly saved checkpoint path to the run's record.
func (rm *RotationManager) Record(path string) {
	rm.saved = append(rm.saved, path)
}

// Enforce evicts and deletes the oldest recorded checkpoints until the
// record fits the budget. A failed delete is logged as a warning and the
// eviction stands; retention can undershoot, never overshoot.
func (rm *RotationManager) Enforce() {
	if rm.maxKeep <= 0 {
		return
	}
	for len(rm.saved) > rm.maxKeep {
		oldest := rm.saved[0]
		rm.saved = rm.saved[1:]
		if err := os.Remove(oldest); err != nil {
			rm.logger.Warn("failed to remove old checkpoint", "path", oldest, "error", err)
		} else {
			rm.logger.Debug("removed old checkpoint", "path", filepath.Base(oldest))
		}
	}
}

// Saved returns the paths currently on record, oldest first.
func (rm *RotationManager) Saved() []string {
	out := make([]string, len(rm.saved))
	copy(out, rm.saved)
	return out
}

// SaveEmergency writes the interrupt checkpoint at its fixed location in
// dir, bypassing rotation, and returns the path written.
func SaveEmergency(saver *CheckpointSaver, dir string, ckpt *Checkpoint) (string, error) {
	path := filepath.Join(dir, EmergencyFilename)
	if err := saver.Save(ckpt, path); err != nil {
		return "", err
	}
	return path, nil
}

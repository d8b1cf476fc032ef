package narrative

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/selfreflect/engine/internal/domain"
)

// batchStateDir is <tmpRoot>/batch_state, one JSON file per batch_id (§6).
func batchStateDir(tmpRoot string) string {
	return filepath.Join(tmpRoot, "batch_state")
}

func batchStatePath(tmpRoot, batchID string) string {
	return filepath.Join(batchStateDir(tmpRoot), batchID+".json")
}

// loadBatchState tolerates a missing file, returning the zero state.
func loadBatchState(tmpRoot, batchID string) (domain.BatchJobState, error) {
	data, err := os.ReadFile(batchStatePath(tmpRoot, batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.BatchJobState{}, nil
		}
		return domain.BatchJobState{}, err
	}
	var st domain.BatchJobState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.BatchJobState{}, fmt.Errorf("narrative: decode batch state: %w", err)
	}
	return st, nil
}

// saveBatchState persists st with the same write-to-temp-then-rename
// discipline the state store uses, so a crash mid-write never corrupts it.
func saveBatchState(tmpRoot string, st domain.BatchJobState) error {
	dir := batchStateDir(tmpRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := batchStatePath(tmpRoot, st.BatchID)
	tmp, err := os.CreateTemp(dir, ".batch-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

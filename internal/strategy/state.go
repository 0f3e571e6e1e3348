package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
)

// stateFile is the on-disk recovery snapshot. Decimal values marshal as
// strings to preserve precision.
type stateFile struct {
	RealizedProfit decimal.Decimal       `json:"realizedProfit"`
	LastPrice      decimal.Decimal       `json:"lastPrice"`
	Running        bool                  `json:"running"`
	Orders         map[string]*GridOrder `json:"orders"`
}

func statePath(dir string, botID int64) string {
	return filepath.Join(dir, fmt.Sprintf("bot_%d_grid.state.json", botID))
}

// saveStateFile writes atomically via a temp file and rename.
func saveStateFile(path string, st stateFile) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// loadStateFile reads a snapshot; a missing file returns ok=false.
func loadStateFile(path string) (stateFile, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return stateFile{}, false, nil
	}
	if err != nil {
		return stateFile{}, false, fmt.Errorf("read state: %w", err)
	}

	var st stateFile
	if err := json.Unmarshal(raw, &st); err != nil {
		return stateFile{}, false, fmt.Errorf("decode state %s: %w", path, err)
	}
	if st.Orders == nil {
		st.Orders = make(map[string]*GridOrder)
	}
	return st, true, nil
}

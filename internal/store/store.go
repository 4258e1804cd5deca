package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coin-pilot/internal/core"
)

// AssetSettingsDoc is the persisted settings document.
type AssetSettingsDoc struct {
	Assets    map[string]core.AssetSetting `json:"assets"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// RuntimeStatus mirrors the refresher's state for external inspection.
type RuntimeStatus struct {
	PID             int       `json:"pid"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastCycleID     string    `json:"last_cycle_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	RefreshFailures int       `json:"refresh_failures,omitempty"`
}

// Store persists the asset settings document and runtime status under a
// state directory, using atomic writes so a crash never leaves a torn file.
type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) SaveAssetSettings(settings map[string]core.AssetSetting) error {
	doc := AssetSettingsDoc{
		Assets:    settings,
		UpdatedAt: time.Now().UTC(),
	}
	if doc.Assets == nil {
		doc.Assets = make(map[string]core.AssetSetting)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.settingsPath(), doc)
}

func (s *Store) LoadAssetSettings() (map[string]core.AssetSetting, bool, error) {
	data, err := os.ReadFile(s.settingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var doc AssetSettingsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	if doc.Assets == nil {
		doc.Assets = make(map[string]core.AssetSetting)
	}
	return doc.Assets, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	if status.PID == 0 {
		status.PID = os.Getpid()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.statusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.statusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.root, "coins_settings.json")
}

func (s *Store) statusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func fsyncDirBestEffort(dir, path string) error {
	// Directory fsync hardens the rename against crashes; failure to do so
	// is logged, not fatal.
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q", err.Error(), dir, path)
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q", err.Error(), dir, path)
	}
	return nil
}

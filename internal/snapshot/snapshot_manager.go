package snapshot

// ============================================================================
// Broker snapshot manager
// 1. Serialize every unacknowledged message to a JSON snapshot
// 2. Write atomically (temp file + rename) so a crash never leaves half a file
// 3. Check the schema version on load
// 4. Pair with the journal: replay starts after LastSeq
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mxflow/pkg/types"
)

// SchemaVersion is the snapshot format written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot: file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager returns a manager for path. The file need not exist yet.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write replaces the snapshot atomically.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	if data.Messages == nil {
		data.Messages = make(map[types.MessageID]*types.Message)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is a first boot and yields an
// empty snapshot.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Messages:  make(map[types.MessageID]*types.Message),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("snapshot: read: %w", err)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Messages == nil {
		data.Messages = make(map[types.MessageID]*types.Message)
	}
	for id, msg := range data.Messages {
		if msg == nil || msg.ID != id {
			return data, fmt.Errorf("%w: entry %q does not match its key", ErrCorruptedSnapshot, id)
		}
	}
	return data, nil
}

// WriteWithBackup keeps the previous snapshot as <path>.<timestamp> and
// removes backups beyond keep.
func (m *Manager) WriteWithBackup(data types.SnapshotData, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backup := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000"))
		if err := os.Rename(m.path, backup); err != nil {
			return fmt.Errorf("snapshot: backup: %w", err)
		}
	}
	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneLocked(keep)
}

func (m *Manager) pruneLocked(keep int) error {
	backups, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return err
	}
	sort.Strings(backups)
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("snapshot: prune: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}

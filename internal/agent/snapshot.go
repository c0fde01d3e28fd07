// ABOUTME: History snapshots persisted per agent under a size-capped directory
// ABOUTME: Saving evicts the oldest snapshots of other agents once the cap is exceeded

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/store"
)

// ErrNoSnapshot is returned when an agent has no saved history.
var ErrNoSnapshot = errors.New("no snapshot for agent")

// Snapshot is the persisted form of a runtime's conversation.
type Snapshot struct {
	AgentID     string             `json:"agentId"`
	SavedAt     time.Time          `json:"savedAt"`
	Messages    []provider.Message `json:"messages"`
	Summary     string             `json:"summary,omitempty"`
	Backups     []Backup           `json:"backups,omitempty"`
	CurrentTask *store.Task        `json:"currentTask,omitempty"`
	Status      Status             `json:"status"`
}

func snapshotPath(dir, agentID string) string {
	return filepath.Join(dir, agentID+".json")
}

// Snapshot captures the runtime's current state.
func (r *Runtime) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Snapshot{
		AgentID:  r.id.AgentID,
		SavedAt:  r.now().UTC(),
		Messages: append([]provider.Message(nil), r.history...),
		Summary:  r.summary,
		Backups:  append([]Backup(nil), r.backups...),
		Status:   r.status,
	}
	if r.currentTask != nil {
		t := *r.currentTask
		s.CurrentTask = &t
	}
	return s
}

// SaveSnapshot writes the runtime's state to the history directory.
func (r *Runtime) SaveSnapshot() error {
	if r.cfg.HistoryDir == "" {
		return nil
	}
	s := r.Snapshot()
	if err := writeSnapshot(r.cfg.HistoryDir, s); err != nil {
		return err
	}
	evicted, err := enforceCap(r.cfg.HistoryDir, r.cfg.HistoryMaxBytes, s.AgentID)
	if err != nil {
		r.logger.Warn("enforcing history cap", "error", err)
	}
	for _, name := range evicted {
		r.logger.Info("evicted history snapshot", "file", name)
	}
	return nil
}

func writeSnapshot(dir string, s *Snapshot) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	final := snapshotPath(dir, s.AgentID)
	tmp, err := os.CreateTemp(dir, "."+s.AgentID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// enforceCap deletes the oldest snapshots until the directory fits in
// maxBytes. The keep agent's own file is never removed.
func enforceCap(dir string, maxBytes int64, keep string) ([]string, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading history dir: %w", err)
	}

	type file struct {
		name    string
		size    int64
		modTime time.Time
	}
	var files []file
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files = append(files, file{name: e.Name(), size: info.Size(), modTime: info.ModTime()})
	}
	if total <= maxBytes {
		return nil, nil
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].name < files[j].name
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	own := keep + ".json"
	var evicted []string
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if f.name == own {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return evicted, fmt.Errorf("evicting %s: %w", f.name, err)
		}
		total -= f.size
		evicted = append(evicted, f.name)
	}
	return evicted, nil
}

// LoadSnapshot reads an agent's saved state.
func LoadSnapshot(dir, agentID string) (*Snapshot, error) {
	data, err := os.ReadFile(snapshotPath(dir, agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &s, nil
}

// Restore loads the runtime's saved history, if any. A runtime that was
// mid-completion when saved comes back idle.
func (r *Runtime) Restore() error {
	if r.cfg.HistoryDir == "" {
		return nil
	}
	s, err := LoadSnapshot(r.cfg.HistoryDir, r.id.AgentID)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrBusy
	}
	r.history = s.Messages
	r.summary = s.Summary
	r.backups = s.Backups
	if over := len(r.backups) - r.cfg.Backups; over > 0 {
		r.backups = r.backups[over:]
	}
	switch s.Status {
	case StatusPaused, StatusError, StatusCompleted:
		r.status = s.Status
	default:
		r.status = StatusIdle
	}
	if s.CurrentTask != nil {
		r.logger.Warn("task interrupted by restart", "task_id", s.CurrentTask.ID)
	}
	r.logger.Info("history restored", "messages", len(r.history), "saved_at", s.SavedAt)
	return nil
}

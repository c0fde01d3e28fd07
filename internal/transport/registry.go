// ABOUTME: Endpoint registry kept in the shared log's registry stream
// ABOUTME: Agents append register/heartbeat/deregister records; the newest record per agent wins

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-swarm/internal/sharedlog"
)

// ErrUnknownAgent is returned when the registry has no live endpoint for an agent.
var ErrUnknownAgent = errors.New("no registered endpoint for agent")

// RecordKind distinguishes registry records.
type RecordKind string

const (
	RecordRegister   RecordKind = "register"
	RecordHeartbeat  RecordKind = "heartbeat"
	RecordDeregister RecordKind = "deregister"
)

// EndpointRecord is one line of the registry stream.
type EndpointRecord struct {
	Kind          RecordKind `json:"kind"`
	AgentID       string     `json:"agentId"`
	Role          string     `json:"role,omitempty"`
	Host          string     `json:"host,omitempty"`
	Port          int        `json:"port,omitempty"`
	URL           string     `json:"endpointAddress,omitempty"`
	PID           int        `json:"pid,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

// Registry reads and writes endpoint records.
type Registry struct {
	log    *sharedlog.Log
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry over the shared log.
func NewRegistry(l *sharedlog.Log, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:    l,
		now:    time.Now,
		logger: logger.With("component", "transport.registry"),
	}
}

// Announce appends rec with the given kind, stamping LastHeartbeat with the
// current time.
func (r *Registry) Announce(kind RecordKind, rec EndpointRecord) error {
	rec.Kind = kind
	rec.LastHeartbeat = r.now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.LastHeartbeat
	}
	if _, err := r.log.Append(sharedlog.StreamRegistry, rec); err != nil {
		return fmt.Errorf("appending %s record: %w", kind, err)
	}
	return nil
}

// Register publishes a new endpoint for rec.AgentID.
func (r *Registry) Register(rec EndpointRecord) error {
	return r.Announce(RecordRegister, rec)
}

// Deregister marks rec.AgentID as gone.
func (r *Registry) Deregister(rec EndpointRecord) error {
	return r.Announce(RecordDeregister, rec)
}

// Endpoints folds the registry stream into the newest record per agent.
// Deregistered agents are omitted.
func (r *Registry) Endpoints() (map[string]EndpointRecord, error) {
	entries, err := r.log.ReadAll(sharedlog.StreamRegistry)
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	latest := make(map[string]EndpointRecord)
	for _, e := range entries {
		var rec EndpointRecord
		if err := e.Decode(&rec); err != nil || rec.AgentID == "" {
			r.logger.Debug("skipping unreadable registry record", "offset", e.Offset)
			continue
		}
		prev, ok := latest[rec.AgentID]
		// Later lines win ties; an older heartbeat appended late does not.
		if ok && rec.LastHeartbeat.Before(prev.LastHeartbeat) {
			continue
		}
		latest[rec.AgentID] = rec
	}
	for id, rec := range latest {
		if rec.Kind == RecordDeregister {
			delete(latest, id)
		}
	}
	return latest, nil
}

// Lookup returns the newest endpoint for agentID.
func (r *Registry) Lookup(agentID string) (*EndpointRecord, error) {
	all, err := r.Endpoints()
	if err != nil {
		return nil, err
	}
	rec, ok := all[agentID]
	if !ok || rec.URL == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return &rec, nil
}

// Live returns endpoints whose last heartbeat is within maxAge, sorted by
// agent id. A zero maxAge returns every registered endpoint.
func (r *Registry) Live(maxAge time.Duration) ([]EndpointRecord, error) {
	all, err := r.Endpoints()
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]EndpointRecord, 0, len(all))
	for _, rec := range all {
		if rec.URL == "" {
			continue
		}
		if maxAge > 0 && now.Sub(rec.LastHeartbeat) > maxAge {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// TakenPorts returns the ports held by endpoints on host whose last
// heartbeat is within maxAge. Agents that died without deregistering release
// their port once their heartbeat ages out. A zero maxAge counts every
// registered endpoint.
func (r *Registry) TakenPorts(host string, maxAge time.Duration) map[int]bool {
	all, err := r.Endpoints()
	if err != nil {
		r.logger.Warn("reading registry for taken ports", "error", err)
		return nil
	}
	now := r.now()
	taken := make(map[int]bool, len(all))
	for _, rec := range all {
		if rec.Host != host || rec.Port <= 0 {
			continue
		}
		if maxAge > 0 && now.Sub(rec.LastHeartbeat) > maxAge {
			continue
		}
		taken[rec.Port] = true
	}
	return taken
}

// RunHeartbeat appends a heartbeat for rec every interval until ctx is done,
// then appends a deregister record.
func (r *Registry) RunHeartbeat(ctx context.Context, rec EndpointRecord, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		r.deregisterQuietly(rec)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.deregisterQuietly(rec)
			return
		case <-ticker.C:
			if err := r.Announce(RecordHeartbeat, rec); err != nil {
				r.logger.Warn("heartbeat failed", "agent_id", rec.AgentID, "error", err)
			}
		}
	}
}

func (r *Registry) deregisterQuietly(rec EndpointRecord) {
	if err := r.Deregister(rec); err != nil {
		r.logger.Warn("deregister failed", "agent_id", rec.AgentID, "error", err)
	}
}

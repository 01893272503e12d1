// Package registry is the system of record for agent state. One writer
// mutates records; every read hands out a value copy.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/persistence"
	"github.com/muxfleet/muxfleet/internal/target"
)

// Role is the briefing an agent was spawned with.
type Role string

const (
	RoleOrchestrator   Role = "orchestrator"
	RoleProjectManager Role = "project_manager"
	RoleWorker         Role = "worker"
	RoleQA             Role = "qa"
	RoleCustom         Role = "custom"
)

// ParseRole maps user-facing role spellings onto the closed Role set.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "orchestrator", "orc":
		return RoleOrchestrator, nil
	case "pm", "project_manager", "project-manager":
		return RoleProjectManager, nil
	case "worker", "":
		return RoleWorker, nil
	case "qa":
		return RoleQA, nil
	case "custom":
		return RoleCustom, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// RoleFromWindowName infers a role from the window naming convention
// (`pm-1`, `orchestrator`, `qa-2`, `worker-3`). Unrecognized names are
// workers.
func RoleFromWindowName(name string) Role {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "orchestrator"), strings.HasPrefix(n, "orc-"):
		return RoleOrchestrator
	case strings.HasPrefix(n, "pm"), strings.HasPrefix(n, "project-manager"):
		return RoleProjectManager
	case strings.HasPrefix(n, "qa"):
		return RoleQA
	default:
		return RoleWorker
	}
}

// AgentRecord is the tracked state of one agent window.
type AgentRecord struct {
	Target                target.Target       `json:"target"`
	Role                  Role                `json:"role"`
	WindowName            string              `json:"window_name,omitempty"`
	State                 classify.AgentState `json:"state"`
	SpawnedAt             time.Time           `json:"spawned_at"`
	LastSeenAt            time.Time           `json:"last_seen_at"`
	LastActivityAt        time.Time           `json:"last_activity_at"`
	Fingerprint           string              `json:"last_content_fingerprint,omitempty"`
	ConsecutiveIdleCycles int                 `json:"consecutive_idle_cycles"`
	SubmissionAttempts    int                 `json:"submission_attempts"`
	LastSubmissionAt      *time.Time          `json:"last_submission_at,omitempty"`
	GraceUntil            *time.Time          `json:"grace_until,omitempty"`
	ErrorCount            int                 `json:"error_count"`
	LastErrorAt           *time.Time          `json:"last_error_at,omitempty"`
	MissedDiscoveries     int                 `json:"missed_discoveries"`
}

// InGrace reports whether the record's grace window covers now.
func (r AgentRecord) InGrace(now time.Time) bool {
	return r.GraceUntil != nil && now.Before(*r.GraceUntil)
}

// DiscoveredWindow is one window found during session discovery.
type DiscoveredWindow struct {
	Target     target.Target
	WindowName string
}

// Registry tracks agent records keyed by target.
type Registry struct {
	mu      sync.RWMutex
	records map[target.Target]*AgentRecord

	idleThreshold int
	store         *persistence.FileStore
	now           func() time.Time
	log           *logging.Logger
}

// New creates a registry. store may be nil (no persistence).
func New(idleThreshold int, store *persistence.FileStore, log *logging.Logger) *Registry {
	if idleThreshold < 1 {
		idleThreshold = 3
	}
	return &Registry{
		records:       make(map[target.Target]*AgentRecord),
		idleThreshold: idleThreshold,
		store:         store,
		now:           time.Now,
		log:           log.Component("registry"),
	}
}

// Restore loads previously persisted records. Snapshots with invalid targets
// are skipped.
func (r *Registry) Restore(state *persistence.State) {
	if state == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, snap := range state.Agents {
		t, err := target.Parse(key)
		if err != nil {
			r.log.Warn("skipping persisted record with bad target", zap.String("target", key))
			continue
		}
		rec := fromSnapshot(t, snap)
		r.records[t] = &rec
	}
	r.log.Info("registry restored", zap.Int("agents", len(r.records)))
}

// UpsertFromDiscovery reconciles the registry against a discovery pass.
// Known targets are refreshed, new ones registered, and targets absent from
// the pass get their missed-discovery count bumped. Returns the newly added
// targets.
func (r *Registry) UpsertFromDiscovery(discovered []DiscoveredWindow) []target.Target {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[target.Target]bool, len(discovered))
	var added []target.Target
	for _, d := range discovered {
		seen[d.Target] = true
		if rec, ok := r.records[d.Target]; ok {
			rec.LastSeenAt = now
			rec.MissedDiscoveries = 0
			if d.WindowName != "" {
				rec.WindowName = d.WindowName
				if rec.Role == "" {
					rec.Role = RoleFromWindowName(d.WindowName)
				}
			}
			continue
		}
		r.records[d.Target] = &AgentRecord{
			Target:         d.Target,
			Role:           RoleFromWindowName(d.WindowName),
			WindowName:     d.WindowName,
			State:          classify.StateUnknown,
			SpawnedAt:      now,
			LastSeenAt:     now,
			LastActivityAt: now,
		}
		added = append(added, d.Target)
	}

	for t, rec := range r.records {
		if !seen[t] {
			rec.MissedDiscoveries++
		}
	}

	r.persistLocked()
	return added
}

// RemoveStale drops records whose window has been missing for at least
// tolerance consecutive discovery passes. Returns the removed targets.
func (r *Registry) RemoveStale(tolerance int) []target.Target {
	if tolerance < 1 {
		tolerance = 2
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []target.Target
	for t, rec := range r.records {
		if rec.MissedDiscoveries >= tolerance {
			delete(r.records, t)
			removed = append(removed, t)
		}
	}
	if len(removed) > 0 {
		r.persistLocked()
		for _, t := range removed {
			r.log.Info("removed stale agent", zap.String("target", t.String()))
		}
	}
	return removed
}

// Register creates a record for an explicitly spawned agent.
func (r *Registry) Register(t target.Target, role Role, windowName string) AgentRecord {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &AgentRecord{
		Target:         t,
		Role:           role,
		WindowName:     windowName,
		State:          classify.StateFresh,
		SpawnedAt:      now,
		LastSeenAt:     now,
		LastActivityAt: now,
	}
	r.records[t] = rec
	r.persistLocked()
	return *rec
}

// Remove deletes a record outright.
func (r *Registry) Remove(t target.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, t)
	r.persistLocked()
}

// Get returns a copy of the record for t.
func (r *Registry) Get(t target.Target) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[t]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// SnapshotAll returns copies of every record, ordered by target string.
func (r *Registry) SnapshotAll() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.String() < out[j].Target.String()
	})
	return out
}

// Count returns the number of tracked agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// ApplyClassification folds a classification into the record: idle cycles
// are bumped on an unchanged fingerprint, tentative Active promotes to Idle
// at the threshold, and an unexpired grace window forces Active. Unknown
// mutates nothing beyond last-seen. Returns the updated copy.
func (r *Registry) ApplyClassification(t target.Target, state classify.AgentState, fingerprint string) (AgentRecord, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[t]
	if !ok {
		return AgentRecord{}, false
	}
	rec.LastSeenAt = now

	if state == classify.StateUnknown {
		r.persistLocked()
		return *rec, true
	}

	if fingerprint != "" && fingerprint == rec.Fingerprint {
		rec.ConsecutiveIdleCycles++
	} else {
		rec.ConsecutiveIdleCycles = 0
		rec.LastActivityAt = now
	}
	rec.Fingerprint = fingerprint

	next := state
	if next == classify.StateActive && rec.ConsecutiveIdleCycles >= r.idleThreshold {
		next = classify.StateIdle
	}
	if rec.InGrace(now) {
		next = classify.StateActive
	}
	rec.State = next

	r.persistLocked()
	return *rec, true
}

// RecordSubmission bumps submission bookkeeping for t.
func (r *Registry) RecordSubmission(t target.Target) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[t]
	if !ok {
		return
	}
	rec.SubmissionAttempts++
	rec.LastSubmissionAt = &now
	rec.LastActivityAt = now
	r.persistLocked()
}

// RecordError bumps the error count for t.
func (r *Registry) RecordError(t target.Target) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[t]
	if !ok {
		return
	}
	rec.ErrorCount++
	rec.LastErrorAt = &now
	r.persistLocked()
}

// BeginGrace opens a grace window for t, suppressing crash and idle
// detection while the agent warms up.
func (r *Registry) BeginGrace(t target.Target, d time.Duration) {
	until := r.now().Add(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[t]
	if !ok {
		return
	}
	rec.GraceUntil = &until
	r.persistLocked()
}

// Supervisor resolves who oversees t: workers and qa report to the
// project manager in their session, falling back to the orchestrator; a
// project manager reports to the orchestrator. Orchestrators have nobody.
func (r *Registry) Supervisor(t target.Target) (target.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role := RoleWorker
	if rec, ok := r.records[t]; ok && rec.Role != "" {
		role = rec.Role
	}
	if role == RoleOrchestrator {
		return target.Target{}, false
	}

	var pm, orch target.Target
	var havePM, haveOrch bool
	for other, rec := range r.records {
		if other.Session != t.Session || other == t {
			continue
		}
		switch rec.Role {
		case RoleProjectManager:
			pm, havePM = other, true
		case RoleOrchestrator:
			orch, haveOrch = other, true
		}
	}
	if role == RoleProjectManager {
		return orch, haveOrch
	}
	if havePM {
		return pm, true
	}
	return orch, haveOrch
}

// ClearRateLimited resets every rate-limited record to Unknown so the next
// cycle reclassifies it. Called when the pause window ends.
func (r *Registry) ClearRateLimited() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.State == classify.StateRateLimited {
			rec.State = classify.StateUnknown
			rec.ConsecutiveIdleCycles = 0
			n++
		}
	}
	if n > 0 {
		r.persistLocked()
	}
	return n
}

// persistLocked pushes a snapshot to the store. Caller holds mu.
func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	agents := make(map[string]persistence.AgentSnapshot, len(r.records))
	for t, rec := range r.records {
		agents[t.String()] = toSnapshot(*rec)
	}
	r.store.ReplaceAgents(agents)
}

func toSnapshot(rec AgentRecord) persistence.AgentSnapshot {
	return persistence.AgentSnapshot{
		Target:                rec.Target.String(),
		Role:                  string(rec.Role),
		WindowName:            rec.WindowName,
		State:                 string(rec.State),
		SpawnedAt:             rec.SpawnedAt,
		LastSeenAt:            rec.LastSeenAt,
		LastActivityAt:        rec.LastActivityAt,
		Fingerprint:           rec.Fingerprint,
		ConsecutiveIdleCycles: rec.ConsecutiveIdleCycles,
		SubmissionAttempts:    rec.SubmissionAttempts,
		LastSubmissionAt:      rec.LastSubmissionAt,
		GraceUntil:            rec.GraceUntil,
		ErrorCount:            rec.ErrorCount,
		LastErrorAt:           rec.LastErrorAt,
		MissedDiscoveries:     rec.MissedDiscoveries,
	}
}

func fromSnapshot(t target.Target, snap persistence.AgentSnapshot) AgentRecord {
	return AgentRecord{
		Target:                t,
		Role:                  Role(snap.Role),
		WindowName:            snap.WindowName,
		State:                 classify.AgentState(snap.State),
		SpawnedAt:             snap.SpawnedAt,
		LastSeenAt:            snap.LastSeenAt,
		LastActivityAt:        snap.LastActivityAt,
		Fingerprint:           snap.Fingerprint,
		ConsecutiveIdleCycles: snap.ConsecutiveIdleCycles,
		SubmissionAttempts:    snap.SubmissionAttempts,
		LastSubmissionAt:      snap.LastSubmissionAt,
		GraceUntil:            snap.GraceUntil,
		ErrorCount:            snap.ErrorCount,
		LastErrorAt:           snap.LastErrorAt,
		MissedDiscoveries:     snap.MissedDiscoveries,
	}
}

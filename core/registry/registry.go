package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"campaign-pipeline/core/models"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by TryStart when the campaign has an active run
var ErrAlreadyRunning = errors.New("campaign run already in progress")

// RunHandle identifies one started run. It is the only way to finish it.
type RunHandle struct {
	Key       models.CampaignRunKey
	RunID     string
	StartedAt time.Time
}

// Registry tracks the run state of every campaign for the life of the process
type Registry struct {
	mu      sync.RWMutex
	records map[models.CampaignRunKey]*models.RunRecord
	now     func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		records: make(map[models.CampaignRunKey]*models.RunRecord),
		now:     time.Now,
	}
}

// TryStart creates a Running record for key unless one already exists
func (r *Registry) TryStart(key models.CampaignRunKey) (RunHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[key]; ok && rec.State == models.RunStateRunning {
		return RunHandle{}, ErrAlreadyRunning
	}

	handle := RunHandle{
		Key:       key,
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
	}
	r.records[key] = &models.RunRecord{
		CampaignKey: key,
		RunID:       handle.RunID,
		StartedAt:   handle.StartedAt,
		State:       models.RunStateRunning,
	}
	return handle, nil
}

// Finish moves the handle's run to a terminal state. Calls for a run that is
// already terminal, or that has been superseded by a newer run, are no-ops.
// It reports whether the call changed state.
func (r *Registry) Finish(handle RunHandle, outcome models.RunState) bool {
	if !outcome.Terminal() {
		outcome = models.RunStateFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[handle.Key]
	if !ok || rec.RunID != handle.RunID || rec.State != models.RunStateRunning {
		return false
	}
	finishedAt := r.now().UTC()
	rec.State = outcome
	rec.FinishedAt = &finishedAt
	return true
}

// IsRunning reports whether key has an active run
func (r *Registry) IsRunning(key models.CampaignRunKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	return ok && rec.State == models.RunStateRunning
}

// RunningKeys returns a sorted snapshot of the campaigns with an active run
func (r *Registry) RunningKeys() []models.CampaignRunKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]models.CampaignRunKey, 0, len(r.records))
	for key, rec := range r.records {
		if rec.State == models.RunStateRunning {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Record returns a copy of the latest run record for key
func (r *Registry) Record(key models.CampaignRunKey) (models.RunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return models.RunRecord{}, false
	}
	out := *rec
	if rec.FinishedAt != nil {
		finishedAt := *rec.FinishedAt
		out.FinishedAt = &finishedAt
	}
	return out, true
}

package registry

import (
	"time"

	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// RecordUse bumps the usage counter and last-used timestamp for id.
// usage_count never decreases and last_used_at never moves backward, even
// if callers hand in out-of-order timestamps.
func (s *Store) RecordUse(id string, ts time.Time) (types.ModelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return types.ModelRecord{}, errdefs.ErrNotFound(id)
	}
	prev := s.records[i]
	rec := prev
	rec.UsageCount++
	if rec.LastUsedAt == nil || ts.After(*rec.LastUsedAt) {
		t := ts
		rec.LastUsedAt = &t
	}
	s.records[i] = rec
	prevUpdated := s.lastUpdated
	s.lastUpdated = &ts
	if err := s.persistLocked(); err != nil {
		s.records[i] = prev
		s.lastUpdated = prevUpdated
		return types.ModelRecord{}, err
	}
	return rec, nil
}

// Stats aggregates usage across all registered models.
func (s *Store) Stats() types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := types.Stats{
		TotalModels: len(s.records),
		PerKind:     make(map[types.ModelKind]int),
		LastUpdated: s.lastUpdated,
	}
	var most *types.ModelRecord
	for i := range s.records {
		rec := s.records[i]
		stats.TotalUsage += rec.UsageCount
		stats.PerKind[rec.Kind]++
		if most == nil || rec.UsageCount > most.UsageCount {
			cp := rec
			most = &cp
		}
	}
	// Only report a most-used model when something has actually been used.
	if most != nil && most.UsageCount > 0 {
		stats.MostUsed = most
	}
	return stats
}

// Package registry implements the durable model registry: the single
// source of truth for which models are known to the engine. Records are
// kept in insertion order in memory and mirrored to a JSON document that
// is rewritten atomically on every mutation.
package registry

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelserve/internal/common/fsutil"
	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// document is the on-disk shape of the registry file.
type document struct {
	Models      []types.ModelRecord `json:"models"`
	Count       int                 `json:"count"`
	LastUpdated *time.Time          `json:"last_updated,omitempty"`
}

// Store is a durable, insertion-ordered collection of model records.
// All mutations are atomic with respect to concurrent readers and are
// flushed to disk before they return.
type Store struct {
	mu          sync.RWMutex
	path        string
	records     []types.ModelRecord
	index       map[string]int
	lastUpdated *time.Time
	log         zerolog.Logger
	now         func() time.Time
}

// Open loads (or initializes) the registry file at path. A missing file
// starts an empty registry; a corrupt file is logged and discarded rather
// than blocking startup.
func Open(path string, log zerolog.Logger) (*Store, error) {
	expanded, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("registry dir: %w", err)
	}
	s := &Store{
		path:  expanded,
		index: make(map[string]int),
		log:   log.With().Str("component", "registry").Logger(),
		now:   time.Now,
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn().Err(err).Str("path", expanded).Msg("registry file corrupt, starting empty")
		return s, nil
	}
	for _, rec := range doc.Models {
		if rec.ModelID == "" {
			continue
		}
		if _, dup := s.index[rec.ModelID]; dup {
			s.log.Warn().Str("model", rec.ModelID).Msg("dropping duplicate record in registry file")
			continue
		}
		s.index[rec.ModelID] = len(s.records)
		s.records = append(s.records, rec)
	}
	s.lastUpdated = doc.LastUpdated
	return s, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string { return s.path }

// persistLocked rewrites the registry file. Callers hold s.mu.
func (s *Store) persistLocked() error {
	doc := document{
		Models:      s.records,
		Count:       len(s.records),
		LastUpdated: s.lastUpdated,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, b, 0o644); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errdefs.ErrInvalidParameters("model_id is required")
	}
	return nil
}

// Register adds a new record. The caller supplies identity and metadata;
// timestamps and counters are defaulted here.
func (s *Store) Register(req types.RegisterRequest) (types.ModelRecord, error) {
	if err := validateID(req.ModelID); err != nil {
		return types.ModelRecord{}, err
	}
	if !req.Kind.Valid() {
		return types.ModelRecord{}, errdefs.ErrInvalidParameters("unknown model_kind %q", req.Kind)
	}
	// Stored defaults obey the same ranges as request parameters, so a
	// bad default can never reach a runtime through the merge.
	if err := req.Parameters.Validate(); err != nil {
		return types.ModelRecord{}, errdefs.ErrInvalidParameters("%s", err)
	}
	name := req.DisplayName
	if name == "" {
		name = req.ModelID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[req.ModelID]; exists {
		return types.ModelRecord{}, errdefs.ErrDuplicateModel(req.ModelID)
	}
	ts := s.now()
	rec := types.ModelRecord{
		ModelID:     req.ModelID,
		DisplayName: name,
		Description: req.Description,
		Kind:        req.Kind,
		Parameters:  req.Parameters,
		AddedAt:     ts,
		Status:      types.StatusRegistered,
	}
	s.records = append(s.records, rec)
	s.index[req.ModelID] = len(s.records) - 1
	prevUpdated := s.lastUpdated
	s.lastUpdated = &ts
	if err := s.persistLocked(); err != nil {
		// Roll back so memory and disk stay in agreement.
		s.records = s.records[:len(s.records)-1]
		delete(s.index, req.ModelID)
		s.lastUpdated = prevUpdated
		return types.ModelRecord{}, err
	}
	s.log.Info().Str("model", rec.ModelID).Str("kind", string(rec.Kind)).Msg("model registered")
	return rec, nil
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (types.ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return types.ModelRecord{}, errdefs.ErrNotFound(id)
	}
	return s.records[i], nil
}

// Update applies a partial update to the mutable fields of a record.
func (s *Store) Update(id string, patch types.ModelPatch) (types.ModelRecord, error) {
	if patch.Parameters != nil {
		if err := patch.Parameters.Validate(); err != nil {
			return types.ModelRecord{}, errdefs.ErrInvalidParameters("%s", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return types.ModelRecord{}, errdefs.ErrNotFound(id)
	}
	prev := s.records[i]
	rec := prev
	if patch.DisplayName != nil {
		rec.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Parameters != nil {
		rec.Parameters = *patch.Parameters
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	ts := s.now()
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

// Remove deletes the record for id. Cache eviction is the engine's job;
// the store only owns durable metadata.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return errdefs.ErrNotFound(id)
	}
	prevRecords := s.records
	s.records = append(append([]types.ModelRecord{}, s.records[:i]...), s.records[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].ModelID] = j
	}
	ts := s.now()
	prevUpdated := s.lastUpdated
	s.lastUpdated = &ts
	if err := s.persistLocked(); err != nil {
		s.records = prevRecords
		s.lastUpdated = prevUpdated
		s.index[id] = i
		for j := i + 1; j < len(s.records); j++ {
			s.index[s.records[j].ModelID] = j
		}
		return err
	}
	s.log.Info().Str("model", id).Msg("model removed")
	return nil
}

// List returns copies of all records in insertion order.
func (s *Store) List() []types.ModelRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ModelRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ListByKind returns records matching kind, in insertion order.
func (s *Store) ListByKind(kind types.ModelKind) []types.ModelRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ModelRecord
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// All yields records in insertion order. The sequence is restartable and
// iterates over a snapshot, so callers may mutate the store mid-iteration.
func (s *Store) All() iter.Seq[types.ModelRecord] {
	return func(yield func(types.ModelRecord) bool) {
		for _, rec := range s.List() {
			if !yield(rec) {
				return
			}
		}
	}
}

// Kinds returns the distinct kinds of registered models, sorted.
func (s *Store) Kinds() []types.ModelKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[types.ModelKind]struct{})
	for _, rec := range s.records {
		seen[rec.Kind] = struct{}{}
	}
	out := make([]types.ModelKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered models.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

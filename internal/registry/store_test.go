package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "models.json"), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func register(t *testing.T, s *Store, id string, kind types.ModelKind) types.ModelRecord {
	t.Helper()
	rec, err := s.Register(types.RegisterRequest{ModelID: id, DisplayName: id, Kind: kind})
	require.NoError(t, err)
	return rec
}

func TestRegisterThenGet(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Register(types.RegisterRequest{
		ModelID:     "gpt2",
		DisplayName: "GPT-2",
		Description: "small causal model",
		Kind:        types.KindCausal,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.UsageCount)
	assert.Nil(t, rec.LastUsedAt)
	assert.False(t, rec.AddedAt.IsZero())
	assert.Equal(t, types.StatusRegistered, rec.Status)

	got, err := s.Get("gpt2")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Register(types.RegisterRequest{ModelID: "  ", Kind: types.KindCausal})
	assert.True(t, errdefs.IsInvalidParameters(err))
	_, err = s.Register(types.RegisterRequest{ModelID: "m", Kind: "banana"})
	assert.True(t, errdefs.IsInvalidParameters(err))
}

func TestRegisterRejectsOutOfRangeDefaults(t *testing.T) {
	s := newTestStore(t)
	bad := -1
	_, err := s.Register(types.RegisterRequest{
		ModelID: "gpt2",
		Kind:    types.KindCausal,
		Parameters: types.GenerationParams{
			MaxNewTokens: &bad,
		},
	})
	assert.True(t, errdefs.IsInvalidParameters(err), "got %v", err)
	_, err = s.Get("gpt2")
	assert.True(t, errdefs.IsNotFound(err), "rejected model must not be stored")

	temp := -0.5
	_, err = s.Register(types.RegisterRequest{
		ModelID:    "gpt2",
		Kind:       types.KindCausal,
		Parameters: types.GenerationParams{Temperature: &temp},
	})
	assert.True(t, errdefs.IsInvalidParameters(err))
}

func TestUpdateRejectsOutOfRangeDefaults(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "gpt2", types.KindCausal)

	bad := 0
	_, err := s.Update("gpt2", types.ModelPatch{
		Parameters: &types.GenerationParams{MaxNewTokens: &bad},
	})
	assert.True(t, errdefs.IsInvalidParameters(err), "got %v", err)

	got, err := s.Get("gpt2")
	require.NoError(t, err)
	assert.Nil(t, got.Parameters.MaxNewTokens, "rejected patch must not change stored defaults")
}

func TestRegisterDuplicateLeavesExistingUntouched(t *testing.T) {
	s := newTestStore(t)
	orig := register(t, s, "gpt2", types.KindCausal)

	_, err := s.Register(types.RegisterRequest{
		ModelID:     "gpt2",
		DisplayName: "other name",
		Kind:        types.KindSeq2Seq,
	})
	require.True(t, errdefs.IsDuplicateModel(err))

	got, err := s.Get("gpt2")
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("not-a-model")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUpdateMutableFieldsOnly(t *testing.T) {
	s := newTestStore(t)
	orig := register(t, s, "t5", types.KindSeq2Seq)

	name := "T5 base"
	temp := 0.2
	status := types.StatusError
	rec, err := s.Update("t5", types.ModelPatch{
		DisplayName: &name,
		Parameters:  &types.GenerationParams{Temperature: &temp},
		Status:      &status,
	})
	require.NoError(t, err)
	assert.Equal(t, "T5 base", rec.DisplayName)
	assert.Equal(t, 0.2, *rec.Parameters.Temperature)
	assert.Equal(t, types.StatusError, rec.Status)
	// Immutable fields survive.
	assert.Equal(t, orig.ModelID, rec.ModelID)
	assert.Equal(t, orig.AddedAt, rec.AddedAt)
	assert.Equal(t, orig.UsageCount, rec.UsageCount)

	_, err = s.Update("missing", types.ModelPatch{DisplayName: &name})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "a", types.KindCausal)
	register(t, s, "b", types.KindCausal)
	register(t, s, "c", types.KindTranslation)

	require.NoError(t, s.Remove("b"))
	_, err := s.Get("b")
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(s.Remove("b")))

	// Order and index survive the middle deletion.
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ModelID)
	assert.Equal(t, "c", list[1].ModelID)
	got, err := s.Get("c")
	require.NoError(t, err)
	assert.Equal(t, "c", got.ModelID)
}

func TestListInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ids := []string{"m3", "m1", "m2"}
	for _, id := range ids {
		register(t, s, id, types.KindCausal)
	}
	list := s.List()
	require.Len(t, list, 3)
	for i, id := range ids {
		assert.Equal(t, id, list[i].ModelID)
	}

	// All() is restartable and preserves the same order.
	for range 2 {
		var seen []string
		for rec := range s.All() {
			seen = append(seen, rec.ModelID)
		}
		assert.Equal(t, ids, seen)
	}
}

func TestListByKindAndKinds(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "c1", types.KindCausal)
	register(t, s, "s1", types.KindSummarization)
	register(t, s, "c2", types.KindCausal)

	causal := s.ListByKind(types.KindCausal)
	require.Len(t, causal, 2)
	assert.Equal(t, "c1", causal[0].ModelID)
	assert.Equal(t, "c2", causal[1].ModelID)

	assert.Equal(t, []types.ModelKind{types.KindCausal, types.KindSummarization}, s.Kinds())
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	register(t, s, "gpt2", types.KindCausal)
	_, err = s.RecordUse("gpt2", time.Now())
	require.NoError(t, err)

	// The on-disk document carries count and last_updated.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Count       int        `json:"count"`
		LastUpdated *time.Time `json:"last_updated"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, 1, doc.Count)
	require.NotNil(t, doc.LastUpdated)

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	rec, err := reopened.Get("gpt2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.UsageCount)
	require.NotNil(t, rec.LastUsedAt)
}

func TestOpenCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestRecordUseMonotonic(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "gpt2", types.KindCausal)

	base := time.Now()
	for i := range 5 {
		_, err := s.RecordUse("gpt2", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	// An out-of-order timestamp still bumps the counter but never rewinds
	// last_used_at.
	rec, err := s.RecordUse("gpt2", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.UsageCount)
	assert.Equal(t, base.Add(4*time.Second).Unix(), rec.LastUsedAt.Unix())

	_, err = s.RecordUse("missing", base)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRecordUseConcurrent(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "gpt2", types.KindCausal)

	const n = 32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordUse("gpt2", time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	rec, err := s.Get("gpt2")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), rec.UsageCount)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 0, s.Stats().TotalModels)
	assert.Nil(t, s.Stats().MostUsed)

	register(t, s, "a", types.KindCausal)
	register(t, s, "b", types.KindCausal)
	register(t, s, "c", types.KindSummarization)
	stats := s.Stats()
	assert.Equal(t, 3, stats.TotalModels)
	assert.Nil(t, stats.MostUsed, "no usage yet")

	now := time.Now()
	for range 3 {
		_, err := s.RecordUse("b", now)
		require.NoError(t, err)
	}
	_, err := s.RecordUse("a", now)
	require.NoError(t, err)

	stats = s.Stats()
	assert.Equal(t, uint64(4), stats.TotalUsage)
	assert.Equal(t, 2, stats.PerKind[types.KindCausal])
	assert.Equal(t, 1, stats.PerKind[types.KindSummarization])
	require.NotNil(t, stats.MostUsed)
	assert.Equal(t, "b", stats.MostUsed.ModelID)
}

package changestate

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"homeschedule/internal/buffer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func TestHandle_CommitAndDiscard(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, zap.NewNop())

	h, err := store.Acquire(ctx, "climate.bedroom")
	require.NoError(t, err)
	h.RecordManual(19.0, t0, buffer.AttributionManual)
	h.Commit()
	h.RecordScheduled(21.0, t0.Add(time.Minute))
	h.Release()

	st, ok := store.Get("climate.bedroom")
	require.True(t, ok)
	assert.Equal(t, 19.0, st.ManualValue)
	assert.True(t, st.ScheduledAt.IsZero(), "uncommitted changes are discarded")

	// Release is idempotent and a released handle cannot commit
	h.Release()
	h.Commit()
	st, _ = store.Get("climate.bedroom")
	assert.True(t, st.ScheduledAt.IsZero())
}

func TestAcquire_Exclusive(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, zap.NewNop())

	h, err := store.Acquire(ctx, "climate.a")
	require.NoError(t, err)

	// Other entities are independent
	other, err := store.Acquire(ctx, "climate.b")
	require.NoError(t, err)
	other.Release()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(short, "climate.a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.Release()
	h2, err := store.Acquire(ctx, "climate.a")
	require.NoError(t, err)
	h2.Release()
}

func TestAcquire_Serializes(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := store.Acquire(ctx, "counter.x")
			if err != nil {
				return
			}
			defer h.Release()
			st := h.State()
			h.RecordObserved(st.ObservedValue+1, t0)
			h.Commit()
		}()
	}
	wg.Wait()

	st, _ := store.Get("counter.x")
	assert.Equal(t, 50.0, st.ObservedValue)
}

func TestHandle_ChangeRecord(t *testing.T) {
	store := NewStore(nil, zap.NewNop())
	h, err := store.Acquire(context.Background(), "climate.x")
	require.NoError(t, err)
	defer h.Release()

	var rec buffer.ChangeRecord = h
	_, seen := rec.LastObserved()
	assert.False(t, seen)

	h.RecordScheduled(21.0, t0)
	v, seen := rec.LastObserved()
	assert.True(t, seen)
	assert.Equal(t, 21.0, v)
	assert.True(t, rec.History().HasScheduled())
	assert.Equal(t, buffer.AttributionScheduled, h.State().Attribution)
}

func TestPruneAndRemove(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, zap.NewNop())
	for _, id := range []string{"climate.a", "climate.b", "climate.c"} {
		h, err := store.Acquire(ctx, id)
		require.NoError(t, err)
		h.Commit()
		h.Release()
	}

	require.NoError(t, store.Prune(ctx, []string{"climate.b"}))
	ids := keys(store.Snapshot())
	assert.Equal(t, []string{"climate.b"}, ids)

	// Remove waits for the holder
	h, err := store.Acquire(ctx, "climate.b")
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, store.Remove(short, "climate.b"))
	h.Release()
	require.NoError(t, store.Remove(ctx, "climate.b"))
	assert.Empty(t, store.Snapshot())
}

func TestFilePersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")

	store := NewStore(NewFilePersister(path), zap.NewNop())
	require.NoError(t, store.Load(ctx), "missing file is empty state")

	h, err := store.Acquire(ctx, "climate.bedroom")
	require.NoError(t, err)
	h.RecordManual(19.5, t0, buffer.AttributionAmbiguous)
	h.SetEffectiveBuffer(buffer.Config{Tolerance: 1, Window: 20 * time.Minute, Enabled: true})
	h.Commit()
	h.Release()

	require.NoError(t, store.Flush(ctx))

	restored := NewStore(NewFilePersister(path), zap.NewNop())
	require.NoError(t, restored.Load(ctx))
	st, ok := restored.Get("climate.bedroom")
	require.True(t, ok)
	assert.Equal(t, 19.5, st.ManualValue)
	assert.True(t, st.ManualAt.Equal(t0))
	assert.Equal(t, buffer.AttributionAmbiguous, st.Attribution)
	assert.Equal(t, 20*time.Minute, st.EffectiveBuffer.Window)
}

type fakeHash struct {
	mu     sync.Mutex
	fields map[string]string
	err    error
}

func (f *fakeHash) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return out, nil
}

func (f *fakeHash) HSet(ctx context.Context, key string, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for k, v := range values {
		f.fields[k] = v
	}
	return nil
}

func (f *fakeHash) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range fields {
		delete(f.fields, k)
	}
	return nil
}

func (f *fakeHash) Ping(ctx context.Context) error { return f.err }
func (f *fakeHash) Close() error                   { return nil }

func TestRedisPersister(t *testing.T) {
	ctx := context.Background()
	hash := &fakeHash{fields: map[string]string{"climate.gone": `{"last_manual_value": 1}`}}
	p := NewRedisPersister(hash, "")

	states, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, states["climate.gone"].ManualValue)

	err = p.Save(ctx, map[string]EntityChangeState{
		"climate.bedroom": {ScheduledValue: 21, ScheduledAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"climate.bedroom"}, fieldNames(hash.fields))

	states, err = p.Load(ctx)
	require.NoError(t, err)
	assert.True(t, states["climate.bedroom"].ScheduledAt.Equal(t0))
}

func TestFlush_FailureKeepsDirty(t *testing.T) {
	ctx := context.Background()
	hash := &fakeHash{fields: map[string]string{}}
	store := NewStore(NewRedisPersister(hash, "k"), zap.NewNop())

	h, err := store.Acquire(ctx, "climate.x")
	require.NoError(t, err)
	h.Commit()
	h.Release()

	hash.err = errors.New("connection refused")
	assert.Error(t, store.Flush(ctx))

	hash.err = nil
	require.NoError(t, store.Flush(ctx))
	assert.Contains(t, hash.fields, "climate.x")
}

func keys(m map[string]EntityChangeState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func fieldNames(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

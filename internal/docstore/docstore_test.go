package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleDoc = `
entities: [climate.bedroom]
schedules:
  home:
    monday:
      - start: "07:00"
        end: "09:00"
        target: 21
`

func TestLoad_MissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "schedule.yaml"), zap.NewNop())

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Entities)
	assert.Equal(t, schedule.DefaultResolution, doc.Resolution)
	assert.Equal(t, presence.RuleAnyoneHome, doc.Presence.Rule)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	store := NewFileStore(path, zap.NewNop())

	require.NoError(t, os.WriteFile(path, []byte("schedules: [not, a, map"), 0o644))
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, schedule.ErrInvalid)

	overlapping := `
schedules:
  home:
    monday:
      - {start: "07:00", end: "09:00", target: 21}
      - {start: "08:00", end: "10:00", target: 19}
`
	require.NoError(t, os.WriteFile(path, []byte(overlapping), 0o644))
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, schedule.ErrInvalid)
}

func TestLoad_ShippedSchedule(t *testing.T) {
	store := NewFileStore(filepath.Join("..", "..", "configs", "schedule.yaml"), zap.NewNop())

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"climate.living_room", "climate.bedroom"}, doc.Entities)
	assert.Equal(t, "input_boolean.vacation", doc.Presence.ForceAway)

	// Monday's night slot still holds early Tuesday
	m, ok := doc.SlotOn(presence.ModeHome, schedule.Tuesday, schedule.Clock(3, 0), "climate")
	require.True(t, ok)
	assert.Equal(t, schedule.Monday, m.Day)
	assert.Equal(t, 17.5, m.Slot.Target)

	_, ok = doc.SlotOn(presence.ModeAway, schedule.Tuesday, schedule.Clock(3, 0), "climate")
	assert.False(t, ok)
}

func TestLoad_Unreadable(t *testing.T) {
	// A directory where the file should be
	dir := t.TempDir()
	store := NewFileStore(dir, zap.NewNop())
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, store.Save(context.Background(), schedule.NewDocument()), ErrStorageUnavailable)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	store := NewFileStore(path, zap.NewNop())

	doc, err := Decode([]byte(sampleDoc))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, doc))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.Entities, loaded.Entities)
	assert.Equal(t, doc.Slots(presence.ModeHome, schedule.Monday), loaded.Slots(presence.ModeHome, schedule.Monday))
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "schedule.yaml")
	store := NewFileStore(path, zap.NewNop())
	store.SetDebounce(20 * time.Millisecond)

	changes := make(chan *schedule.Document, 4)
	require.NoError(t, store.Watch(ctx, func(doc *schedule.Document) { changes <- doc }))

	// Our own saves are ignored
	require.NoError(t, store.Save(ctx, schedule.NewDocument()))

	// Invalid external edits are skipped
	require.NoError(t, os.WriteFile(path, []byte("resolution_minutes: 7\n"), 0o644))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	select {
	case doc := <-changes:
		assert.Equal(t, []string{"climate.bedroom"}, doc.Entities)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after external edit")
	}
	assert.Empty(t, changes)
}

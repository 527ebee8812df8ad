package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eewbot/internal/eew"
	"eewbot/internal/storage"
	logx "eewbot/pkg/logx"
)

func TestJournalRecordsLifecycle(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	b, err := New(st)
	require.NoError(t, err)
	ctx := context.Background()

	a := &eew.Alert{ID: "1130001", Serial: 1, Provider: "CWA",
		Earthquake: eew.Earthquake{Magnitude: 5.1, Depth: 10, Location: "宜蘭縣近海"}}
	require.NoError(t, b.SendNew(ctx, a))
	a2 := &eew.Alert{ID: "1130001", Serial: 2, Final: true, Earthquake: a.Earthquake}
	require.NoError(t, b.SendUpdate(ctx, a2))
	require.NoError(t, b.SendLift(ctx, a2))

	got, err := st.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"lift", "update", "new"}, []string{got[0].Kind, got[1].Kind, got[2].Kind})
	assert.Equal(t, 2, got[0].Serial)
	assert.True(t, got[1].Final)
	assert.Equal(t, "CWA", got[2].Provider)
	assert.Equal(t, 5.1, got[2].Magnitude)
	_, err = uuid.Parse(got[0].ID)
	assert.NoError(t, err)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

type brokenStore struct{ storage.Store }

func (brokenStore) AppendEvent(ctx context.Context, e storage.EventEntry) error {
	return errors.New("disk full")
}

func TestJournalReturnsStorageErrors(t *testing.T) {
	b, err := New(brokenStore{})
	require.NoError(t, err)
	err = b.SendNew(context.Background(), &eew.Alert{ID: "A", Serial: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "new A#3")
	assert.Contains(t, err.Error(), "disk full")
}

func TestJournalNeedsStore(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoStore)
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "eewbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "eewbot.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			ctx := context.Background()

			at := time.Date(2024, 4, 3, 7, 58, 9, 0, time.UTC)
			for i, kind := range []string{"new", "update", "lift"} {
				require.NoError(t, st.AppendEvent(ctx, EventEntry{
					ID: kind, At: at.Add(time.Duration(i) * time.Second), Kind: kind,
					AlertID: "1130001", Serial: i + 1, Final: kind == "lift",
					Magnitude: 6.9, Depth: 40, Location: "花蓮縣近海",
				}))
			}

			got, err := st.Events(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "lift", got[0].Kind)
			assert.Equal(t, 3, got[0].Serial)
			assert.True(t, got[0].Final)
			assert.Equal(t, "花蓮縣近海", got[0].Location)
			assert.True(t, got[0].At.Equal(at.Add(2*time.Second)))
			assert.Equal(t, "update", got[1].Kind)

			all, err := st.Events(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			u, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, u.Equal(until))

			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Close())

			// dedup windows survive a restart
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			_, ok, err = st.GetDedup(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eewbot.db")
	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactEvery = 2
	ctx := context.Background()

	require.NoError(t, st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)))
	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	require.NoError(t, st.Close())

	st, err = openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, _ := st.GetDedup(ctx, "live")
	assert.True(t, ok)
	_, ok, _ = st.GetDedup(ctx, "old")
	assert.False(t, ok)
}

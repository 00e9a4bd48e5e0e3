package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemoryStore()}

	sqlStore, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Logf("sqlite unavailable, skipping sql store: %v", err)
	} else {
		stores["sqlite"] = sqlStore
	}
	for _, s := range stores {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a := ActivationRecord{
				ID:             ActivationID("lic-1", "hash-1"),
				LicenseID:      "lic-1",
				LicenseVersion: "1.0.0",
				KeyHash:        "hash-1",
				Expiration:     exp,
				Parameters:     map[string]int{"cdeThings": 5},
			}
			require.NoError(t, s.UpsertActivations(ctx, a))

			a.LicenseVersion = "2.0.0"
			a.Removed = true
			a.Parameters["cdeThings"] = 7
			require.NoError(t, s.UpsertActivations(ctx, a))

			n, err := s.CountActivations(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			loaded, err := s.LoadActivations(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, "2.0.0", loaded[0].LicenseVersion)
			assert.True(t, loaded[0].Removed)
			assert.Equal(t, 7, loaded[0].Parameters["cdeThings"])
			assert.True(t, exp.Equal(loaded[0].Expiration))

			require.NoError(t, s.UpsertStatuses(ctx,
				StatusRecord{ID: StatusID("p1", ""), PluginID: "p1", Used: 2},
				StatusRecord{ID: StatusID("p1", "camera"), PluginID: "p1", DeviceType: "camera", GlobalUsed: 1},
			))
			require.NoError(t, s.UpsertStatuses(ctx, StatusRecord{ID: StatusID("p1", ""), PluginID: "p1", Used: 3}))

			statuses, err := s.LoadStatuses(ctx)
			require.NoError(t, err)
			require.Len(t, statuses, 2)
			assert.Equal(t, "p1/*", statuses[0].ID)
			assert.Equal(t, 3, statuses[0].Used)
			assert.Equal(t, 1, statuses[1].GlobalUsed)

			count, err := s.CountStatuses(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count)

			require.NoError(t, s.DeleteActivation(ctx, a.ID))
			assert.ErrorIs(t, s.DeleteActivation(ctx, a.ID), ErrNotFound)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("oracle", "")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionsLifecycle(t *testing.T) {
	store := NewMemoryStore()
	sessions := store.Sessions()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s := entity.NewUploadSession("up-1", "users/u1/a.bin", "u1", "a.bin", "application/octet-stream", 42, entity.FolderPersonal, "", now)
	require.NoError(t, sessions.Create(ctx, s))
	assert.ErrorIs(t, sessions.Create(ctx, s), apperr.ErrConflict)

	require.NoError(t, sessions.MarkUploading(ctx, "up-1"))
	require.NoError(t, sessions.MarkUploading(ctx, "up-1"))
	assert.ErrorIs(t, sessions.MarkUploading(ctx, "missing"), apperr.ErrNotFound)

	obj := &entity.CompletedObject{Location: "https://example.com/users/u1/a.bin", ETag: `"abc"`}
	require.NoError(t, sessions.Complete(ctx, s, obj, true, now.Add(time.Minute)))
	assert.ErrorIs(t, sessions.Complete(ctx, s, obj, true, now), apperr.ErrConflict)
	assert.ErrorIs(t, sessions.Abort(ctx, "up-1", now), apperr.ErrConflict)
	assert.ErrorIs(t, sessions.MarkUploading(ctx, "up-1"), apperr.ErrConflict)

	got, err := sessions.GetByID(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, obj.Location, got.Location)

	p, err := store.Profiles().GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.StorageUsed)
}

func TestMemorySessionsListStale(t *testing.T) {
	sessions := NewMemoryStore().Sessions()
	ctx := context.Background()
	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, tt := range []struct {
		id      string
		created time.Time
		abort   bool
	}{
		{"old", cutoff.Add(-time.Second), false},
		{"exact", cutoff, false},
		{"new", cutoff.Add(time.Second), false},
		{"old-aborted", cutoff.Add(-time.Hour), true},
	} {
		s := entity.NewUploadSession(tt.id, "shared/"+tt.id, "u1", tt.id, "", 1, entity.FolderShared, "", tt.created)
		require.NoError(t, sessions.Create(ctx, s))
		if tt.abort {
			require.NoError(t, sessions.Abort(ctx, tt.id, cutoff))
		}
	}

	stale, err := sessions.ListStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].UploadID)
}

func TestMemoryProfiles(t *testing.T) {
	profiles := NewMemoryStore().Profiles()
	ctx := context.Background()

	_, err := profiles.GetByID(ctx, "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, profiles.AddStorageUsed(ctx, "u1", 10), apperr.ErrNotFound)

	require.NoError(t, profiles.Save(ctx, &entity.Profile{OwnerID: "u1", Role: entity.RoleUser, StorageLimit: 100}))
	require.NoError(t, profiles.AddStorageUsed(ctx, "u1", 10))
	require.NoError(t, profiles.AddStorageUsed(ctx, "u1", 5))

	p, err := profiles.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), p.StorageUsed)
}

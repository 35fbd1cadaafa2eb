package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/dispatchcore/internal/store"
)

func TestFileRepo_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	crypto := NewCrypto("test-encryption-key")
	repo, err := NewFileRepo(dir, crypto)
	require.NoError(t, err)

	rec := store.AccountRecord{
		ID:           "acct-1",
		Email:        "a@example.com",
		DisplayName:  "A",
		AccessToken:  "access-xyz",
		RefreshToken: "refresh-secret",
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
		QuotaSnapshot: []store.QuotaEntry{
			{ModelName: "gemini-2.5-pro", RemainingPercent: 100},
		},
	}
	require.NoError(t, repo.Save(context.Background(), rec))

	loaded, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, rec.Email, loaded[0].Email)
	assert.Equal(t, rec.RefreshToken, loaded[0].RefreshToken)
	assert.Equal(t, rec.QuotaSnapshot, loaded[0].QuotaSnapshot)
}

func TestFileRepo_RefreshTokenEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	crypto := NewCrypto("test-encryption-key")
	repo, err := NewFileRepo(dir, crypto)
	require.NoError(t, err)

	rec := store.AccountRecord{ID: "acct-2", Email: "b@example.com", RefreshToken: "super-secret-token"}
	require.NoError(t, repo.Save(context.Background(), rec))

	raw, err := os.ReadFile(repo.recordPath("acct-2"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-token")
}

func TestFileRepo_Delete(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepo(dir, NewCrypto("k"))
	require.NoError(t, err)

	rec := store.AccountRecord{ID: "acct-3", Email: "c@example.com"}
	require.NoError(t, repo.Save(context.Background(), rec))
	require.NoError(t, repo.Delete(context.Background(), "acct-3"))

	loaded, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileRepo_LoadSkipsMissingRecordFile(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepo(dir, NewCrypto("k"))
	require.NoError(t, err)

	rec := store.AccountRecord{ID: "acct-4", Email: "d@example.com"}
	require.NoError(t, repo.Save(context.Background(), rec))
	require.NoError(t, os.Remove(repo.recordPath("acct-4")))

	loaded, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

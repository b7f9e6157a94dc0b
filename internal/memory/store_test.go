package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/ambient/internal/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestInsertAndListEntries(t *testing.T) {
	sqlDB := openTestDB(t)
	s := NewStore(sqlDB)
	ctx := context.Background()

	err := db.WithTx(ctx, sqlDB, func(tx *sql.Tx) error {
		return s.InsertEntriesTx(ctx, tx, []Entry{
			{UserID: "u1", Content: "prefers dark roast coffee", Type: TypePreference, Importance: 0.8, Keywords: []string{"coffee"}},
			{UserID: "u1", Content: "works as a cartographer", Importance: 0.9},
			{UserID: "u2", Content: "asks for terse answers", Type: TypePattern},
		})
	})
	require.NoError(t, err)

	entries, err := s.EntriesForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	// Untyped entries default to fact.
	n, err := s.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var foundFact bool
	for _, e := range entries {
		if e.Content == "works as a cartographer" {
			foundFact = true
			assert.Equal(t, TypeFact, e.Type)
		}
	}
	assert.True(t, foundFact)
}

func TestUpsertProfile(t *testing.T) {
	sqlDB := openTestDB(t)
	s := NewStore(sqlDB)
	ctx := context.Background()

	_, err := s.GetProfile(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoProfile)

	err = db.WithTx(ctx, sqlDB, func(tx *sql.Tx) error {
		return s.UpsertProfileTx(ctx, tx, Profile{
			UserID:             "u1",
			CommunicationStyle: "direct",
			Interests:          []string{"maps", "espresso"},
			Preferences:        map[string]string{"answer_length": "short"},
		})
	})
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "direct", p.CommunicationStyle)
	assert.Equal(t, []string{"maps", "espresso"}, p.Interests)
	assert.Equal(t, "short", p.Preferences["answer_length"])
	assert.False(t, p.UpdatedAt.IsZero())

	// Second upsert replaces the previous profile.
	err = db.WithTx(ctx, sqlDB, func(tx *sql.Tx) error {
		return s.UpsertProfileTx(ctx, tx, Profile{
			UserID:             "u1",
			CommunicationStyle: "playful",
			Interests:          []string{"maps"},
		})
	})
	require.NoError(t, err)

	p, err = s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "playful", p.CommunicationStyle)
	assert.Equal(t, []string{"maps"}, p.Interests)
	assert.Empty(t, p.Preferences)
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	sqlDB := openTestDB(t)
	s := NewStore(sqlDB)
	ctx := context.Background()

	err := db.WithTx(ctx, sqlDB, func(tx *sql.Tx) error {
		if err := s.InsertEntriesTx(ctx, tx, []Entry{{UserID: "u1", Content: "volatile"}}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	n, err := s.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "rolled-back entries must not be observable")
}

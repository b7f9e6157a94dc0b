// Package memory persists extracted memories and user profiles. Writes that
// conclude an extraction run go through the Tx variants so they commit
// atomically with the queue item's terminal transition.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryType tags what kind of durable fact an entry is.
type EntryType string

const (
	TypeFact       EntryType = "fact"
	TypePreference EntryType = "preference"
	TypePattern    EntryType = "pattern"
)

// Entry is one durable memory about a user.
type Entry struct {
	ID           string
	UserID       string
	Content      string
	Type         EntryType
	Importance   float64
	Keywords     []string
	SourceItemID string
	CreatedAt    time.Time
}

// Profile aggregates what the system has learned about how a user
// communicates and what they care about.
type Profile struct {
	UserID             string
	CommunicationStyle string
	Interests          []string
	Expertise          []string
	Traits             []string
	Preferences        map[string]string
	UpdatedAt          time.Time
}

// ErrNoProfile signals a profile lookup for a user the system has not
// learned anything about yet.
var ErrNoProfile = errors.New("no profile for user")

// Store persists memories and profiles in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// InsertEntriesTx writes extracted memories inside the caller's transaction.
// IDs and timestamps are assigned here for entries that lack them.
func (s *Store) InsertEntriesTx(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Type == "" {
			e.Type = TypeFact
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}

		keywords, err := json.Marshal(e.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (id, user_id, content, type, importance, keywords, source_item_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.UserID, e.Content, string(e.Type), e.Importance,
			string(keywords), nullStr(e.SourceItemID), e.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
	}
	return nil
}

// UpsertProfileTx writes a user profile inside the caller's transaction,
// replacing any previous profile for the user.
func (s *Store) UpsertProfileTx(ctx context.Context, tx *sql.Tx, p Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("upsert profile: user id is required")
	}

	interests, err := json.Marshal(p.Interests)
	if err != nil {
		return fmt.Errorf("marshal interests: %w", err)
	}
	expertise, err := json.Marshal(p.Expertise)
	if err != nil {
		return fmt.Errorf("marshal expertise: %w", err)
	}
	traits, err := json.Marshal(p.Traits)
	if err != nil {
		return fmt.Errorf("marshal traits: %w", err)
	}
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, communication_style, interests, expertise, traits, preferences, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			communication_style = excluded.communication_style,
			interests  = excluded.interests,
			expertise  = excluded.expertise,
			traits     = excluded.traits,
			preferences = excluded.preferences,
			updated_at = excluded.updated_at
	`, p.UserID, p.CommunicationStyle, string(interests), string(expertise),
		string(traits), string(prefs), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// EntriesForUser returns a user's memories, newest first.
func (s *Store) EntriesForUser(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, type, importance, keywords, source_item_id, created_at
		FROM memories WHERE user_id = ?
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			typ       string
			keywords  sql.NullString
			source    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &typ, &e.Importance,
			&keywords, &source, &createdAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.SourceItemID = source.String
		e.CreatedAt = time.Unix(createdAt, 0)
		if keywords.Valid && keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &e.Keywords); err != nil {
				return nil, fmt.Errorf("decode keywords for %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetProfile returns a user's profile or ErrNoProfile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var (
		p         Profile
		style     sql.NullString
		interests, expertise, traits, prefs sql.NullString
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, communication_style, interests, expertise, traits, preferences, updated_at
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &style, &interests, &expertise, &traits, &prefs, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile for %s: %w", userID, ErrNoProfile)
	}
	if err != nil {
		return nil, err
	}

	p.CommunicationStyle = style.String
	p.UpdatedAt = time.Unix(updatedAt, 0)
	for _, f := range []struct {
		raw  sql.NullString
		dest any
	}{
		{interests, &p.Interests},
		{expertise, &p.Expertise},
		{traits, &p.Traits},
		{prefs, &p.Preferences},
	} {
		if f.raw.Valid && f.raw.String != "" {
			if err := json.Unmarshal([]byte(f.raw.String), f.dest); err != nil {
				return nil, fmt.Errorf("decode profile for %s: %w", userID, err)
			}
		}
	}
	return &p, nil
}

// CountForUser reports how many memories are stored for a user.
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE user_id = ?
	`, userID).Scan(&n)
	return n, err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/domain"
	"github.com/size-ruler/internal/store"
)

// Collection names
const (
	usersCollection        = "users"
	scopesCollection       = "scopes"
	scopeMembersCollection = "scope_members"
	membershipsCollection  = "memberships"
)

// RecordStore is the subset of the record store the game core depends on
type RecordStore interface {
	EnsureCollection(ctx context.Context, name string, schema store.Schema) error
	Insert(ctx context.Context, collection string, row store.Row) (store.InsertResult, error)
	GetOne(ctx context.Context, collection string, filter store.Filter) (store.Row, error)
	Find(ctx context.Context, collection string, filter store.Filter, opts store.FindOptions) ([]store.Row, error)
	Update(ctx context.Context, collection string, patch store.Row, filter store.Filter) (int64, error)
}

type collection struct {
	name   string
	schema store.Schema
}

func displayColumns() []store.Column {
	return []store.Column{
		{Name: "firstname", Type: store.Text, Default: ""},
		{Name: "username", Type: store.Text, Default: ""},
		{Name: "url", Type: store.Text, Default: ""},
	}
}

// collections lists every collection the core needs, in creation order
func collections(game config.GameConfig) []collection {
	users := []store.Column{{Name: "id", Type: store.Integer, NotNull: true}}
	users = append(users, displayColumns()...)
	users = append(users, store.Column{Name: "size", Type: store.Integer, NotNull: true, Default: 0})

	members := []store.Column{
		{Name: "scope_id", Type: store.Integer, NotNull: true},
		{Name: "id", Type: store.Integer, NotNull: true},
	}
	members = append(members, displayColumns()...)
	members = append(members,
		store.Column{Name: "size", Type: store.Integer, NotNull: true, Default: 0},
		store.Column{Name: "last_played", Type: store.Text, NotNull: true, Default: game.SentinelLastPlayed()},
	)

	return []collection{
		{
			name: usersCollection,
			schema: store.Schema{
				Columns:    users,
				PrimaryKey: []string{"id"},
				Indexes: []store.Index{{
					Name:    "users_size_rank",
					Columns: []store.IndexColumn{{Name: "size", Desc: true}, {Name: "id"}},
				}},
			},
		},
		{
			name: scopesCollection,
			schema: store.Schema{
				Columns: []store.Column{
					{Name: "id", Type: store.Integer, NotNull: true},
					{Name: "kind", Type: store.Text, NotNull: true},
					{Name: "created_at", Type: store.Text, NotNull: true},
				},
				PrimaryKey: []string{"id"},
			},
		},
		{
			name: scopeMembersCollection,
			schema: store.Schema{
				Columns:    members,
				PrimaryKey: []string{"scope_id", "id"},
				Indexes: []store.Index{{
					Name: "scope_members_size_rank",
					Columns: []store.IndexColumn{
						{Name: "scope_id"},
						{Name: "size", Desc: true},
						{Name: "id"},
					},
				}},
			},
		},
		{
			name: membershipsCollection,
			schema: store.Schema{
				Columns: []store.Column{
					{Name: "participant_id", Type: store.Integer, NotNull: true},
					{Name: "scope_id", Type: store.Integer, NotNull: true},
					{Name: "joined_at", Type: store.Integer, NotNull: true},
				},
				PrimaryKey: []string{"participant_id", "scope_id"},
			},
		},
	}
}

// rankOrder is the leaderboard ordering: size descending, ties by ascending id
var rankOrder = []store.Order{{Column: "size", Desc: true}, {Column: "id"}}

func memberFilter(scopeID, participantID int64) store.Filter {
	return store.Filter{"scope_id": scopeID, "id": participantID}
}

func displayPatch(p domain.Participant) store.Row {
	return store.Row{"firstname": p.FirstName, "username": p.Username, "url": p.URL}
}

// storageError keeps the store sentinel matchable and adds the domain one
func storageError(op string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedState, fmt.Sprintf(format, args...))
}

func decodeParticipant(row store.Row) (domain.Participant, error) {
	var (
		p   domain.Participant
		err error
	)
	if p.ID, err = row.Int64("id"); err != nil {
		return p, malformed("%v", err)
	}
	if p.FirstName, err = row.String("firstname"); err != nil {
		return p, malformed("%v", err)
	}
	if p.Username, err = row.String("username"); err != nil {
		return p, malformed("%v", err)
	}
	if p.URL, err = row.String("url"); err != nil {
		return p, malformed("%v", err)
	}
	return p, nil
}

func decodeScopeRecord(row store.Row, game config.GameConfig) (domain.ScopeRecord, error) {
	p, err := decodeParticipant(row)
	if err != nil {
		return domain.ScopeRecord{}, err
	}
	rec := domain.ScopeRecord{Participant: p}
	if rec.ScopeID, err = row.Int64("scope_id"); err != nil {
		return rec, malformed("%v", err)
	}
	if rec.Size, err = row.Int64("size"); err != nil {
		return rec, malformed("%v", err)
	}
	if rec.Size < 0 {
		return rec, malformed("negative size %d for participant %d in scope %d", rec.Size, p.ID, rec.ScopeID)
	}
	raw, err := row.String("last_played")
	if err != nil {
		return rec, malformed("%v", err)
	}
	if rec.LastPlayed, err = game.ParseTime(raw); err != nil {
		return rec, malformed("last_played %q: %v", raw, err)
	}
	return rec, nil
}

func decodeEntry(row store.Row, rank int64) (domain.LeaderboardEntry, error) {
	p, err := decodeParticipant(row)
	if err != nil {
		return domain.LeaderboardEntry{}, err
	}
	size, err := row.Int64("size")
	if err != nil {
		return domain.LeaderboardEntry{}, malformed("%v", err)
	}
	return domain.LeaderboardEntry{
		Rank:          rank,
		ParticipantID: p.ID,
		FirstName:     p.FirstName,
		Username:      p.Username,
		URL:           p.URL,
		Size:          size,
	}, nil
}

// loadGlobal reads a participant's global record together with its ordered membership set
func loadGlobal(ctx context.Context, s RecordStore, participantID int64) (*domain.GlobalRecord, error) {
	row, err := s.GetOne(ctx, usersCollection, store.Filter{"id": participantID})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("participant %d: %w", participantID, domain.ErrGlobalRecordMissing)
		}
		return nil, storageError("loading global record", err)
	}
	p, err := decodeParticipant(row)
	if err != nil {
		return nil, err
	}
	size, err := row.Int64("size")
	if err != nil {
		return nil, malformed("%v", err)
	}

	scopes, err := loadMemberships(ctx, s, participantID)
	if err != nil {
		return nil, err
	}
	return &domain.GlobalRecord{Participant: p, Size: size, Scopes: scopes}, nil
}

// loadMemberships returns the participant's scopes in insertion order
func loadMemberships(ctx context.Context, s RecordStore, participantID int64) ([]int64, error) {
	rows, err := s.Find(ctx, membershipsCollection, store.Filter{"participant_id": participantID}, store.FindOptions{
		OrderBy: []store.Order{{Column: "joined_at"}, {Column: "scope_id"}},
	})
	if err != nil {
		return nil, storageError("loading memberships", err)
	}
	scopes := make([]int64, 0, len(rows))
	for _, row := range rows {
		scopeID, err := row.Int64("scope_id")
		if err != nil {
			return nil, malformed("%v", err)
		}
		scopes = append(scopes, scopeID)
	}
	return scopes, nil
}

// loadScopeRecord reads one participant's row within a scope
func loadScopeRecord(ctx context.Context, s RecordStore, game config.GameConfig, scopeID, participantID int64) (*domain.ScopeRecord, error) {
	row, err := s.GetOne(ctx, scopeMembersCollection, memberFilter(scopeID, participantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("participant %d in %s: %w", participantID, domain.ScopeName(scopeID), domain.ErrScopeRecordMissing)
		}
		return nil, storageError("loading scope record", err)
	}
	rec, err := decodeScopeRecord(row, game)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PGSavedSearchStore keeps saved searches in PostgreSQL.
type PGSavedSearchStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPGSavedSearchStore creates a store over db.
func NewPGSavedSearchStore(db *sql.DB) *PGSavedSearchStore {
	return &PGSavedSearchStore{db: db, now: time.Now}
}

const savedSearchColumns = `id, title, description, query, is_public, is_starred,
	category, tags, owner, created_at, updated_at, last_run_at, run_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSavedSearch(row rowScanner) (*SavedSearch, error) {
	s := &SavedSearch{}
	var (
		queryJSON []byte
		tags      pq.StringArray
		lastRun   sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.Title, &s.Description, &queryJSON, &s.IsPublic,
		&s.IsStarred, &s.Category, &tags, &s.Owner, &s.CreatedAt, &s.UpdatedAt,
		&lastRun, &s.RunCount); err != nil {
		return nil, err
	}
	if len(queryJSON) > 0 {
		if err := json.Unmarshal(queryJSON, &s.Query); err != nil {
			return nil, fmt.Errorf("decode query of saved search %s: %w", s.ID, err)
		}
	}
	s.Tags = []string(tags)
	if s.Tags == nil {
		s.Tags = []string{}
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRunAt = &t
	}
	return s, nil
}

func (p *PGSavedSearchStore) Save(ctx context.Context, s *SavedSearch) error {
	if err := ValidateSavedSearch(s); err != nil {
		return err
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := p.now()
	s.CreatedAt, s.UpdatedAt = now, now

	query, err := json.Marshal(s.Query)
	if err != nil {
		return fmt.Errorf("marshal saved search query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO crm_saved_searches (`+savedSearchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.Title, s.Description, query, s.IsPublic, s.IsStarred,
		s.Category, pq.Array(s.Tags), s.Owner, s.CreatedAt, s.UpdatedAt,
		nil, s.RunCount)
	if err != nil {
		return fmt.Errorf("insert saved search: %w", err)
	}
	return nil
}

func (p *PGSavedSearchStore) Get(ctx context.Context, id uuid.UUID) (*SavedSearch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+savedSearchColumns+` FROM crm_saved_searches WHERE id = $1`, id)
	s, err := scanSavedSearch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSavedSearchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saved search: %w", err)
	}
	return s, nil
}

func (p *PGSavedSearchStore) List(ctx context.Context, filter SavedSearchFilter) ([]*SavedSearch, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Owner != "" {
		if filter.IncludePublic {
			where = append(where, "(owner = "+arg(filter.Owner)+" OR is_public)")
		} else {
			where = append(where, "owner = "+arg(filter.Owner))
		}
	}
	if filter.StarredOnly {
		where = append(where, "is_starred")
	}
	if filter.Category != "" {
		where = append(where, "LOWER(category) = LOWER("+arg(filter.Category)+")")
	}
	if filter.Search != "" {
		n := arg("%" + filter.Search + "%")
		where = append(where, fmt.Sprintf(
			"(title ILIKE %s OR description ILIKE %s OR query->>'query' ILIKE %s OR array_to_string(tags, ' ') ILIKE %s)",
			n, n, n, n))
	}

	q := `SELECT ` + savedSearchColumns + ` FROM crm_saved_searches`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY is_starred DESC, updated_at DESC, id"

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list saved searches: %w", err)
	}
	defer rows.Close()

	var out []*SavedSearch
	for rows.Next() {
		s, err := scanSavedSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saved search: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PGSavedSearchStore) Update(ctx context.Context, id uuid.UUID, patch SavedSearchPatch) (*SavedSearch, error) {
	return p.mutate(ctx, id, func(s *SavedSearch, now time.Time) error {
		return applySavedSearchPatch(s, patch, now)
	})
}

func (p *PGSavedSearchStore) ToggleStar(ctx context.Context, id uuid.UUID) (*SavedSearch, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE crm_saved_searches SET is_starred = NOT is_starred, updated_at = $2
		WHERE id = $1
		RETURNING `+savedSearchColumns, id, p.now())
	return p.scanReturning(row)
}

func (p *PGSavedSearchStore) MarkRun(ctx context.Context, id uuid.UUID) (*SavedSearch, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE crm_saved_searches SET run_count = run_count + 1, last_run_at = $2
		WHERE id = $1
		RETURNING `+savedSearchColumns, id, p.now())
	return p.scanReturning(row)
}

func (p *PGSavedSearchStore) scanReturning(row *sql.Row) (*SavedSearch, error) {
	s, err := scanSavedSearch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSavedSearchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update saved search: %w", err)
	}
	return s, nil
}

func (p *PGSavedSearchStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM crm_saved_searches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete saved search: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete saved search: %w", err)
	}
	if n == 0 {
		return ErrSavedSearchNotFound
	}
	return nil
}

func (p *PGSavedSearchStore) mutate(ctx context.Context, id uuid.UUID, fn func(*SavedSearch, time.Time) error) (*SavedSearch, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin saved search update: %w", err)
	}
	defer tx.Rollback()

	s, err := scanSavedSearch(tx.QueryRowContext(ctx,
		`SELECT `+savedSearchColumns+` FROM crm_saved_searches WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSavedSearchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load saved search: %w", err)
	}
	if err := fn(s, p.now()); err != nil {
		return nil, err
	}

	query, err := json.Marshal(s.Query)
	if err != nil {
		return nil, fmt.Errorf("marshal saved search query: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE crm_saved_searches
		SET title = $2, description = $3, query = $4, is_public = $5,
			category = $6, tags = $7, updated_at = $8
		WHERE id = $1`,
		s.ID, s.Title, s.Description, query, s.IsPublic, s.Category,
		pq.Array(s.Tags), s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update saved search: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit saved search update: %w", err)
	}
	return s, nil
}

package segmentation

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

// Store is the PostgreSQL Repository. Criteria and the source query are
// kept as JSONB; membership is a text[] column replaced in one UPDATE.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new segment store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const segmentColumns = `
	id, name, description, entity_type, segment_type, criteria, status,
	auto_refresh, refresh_interval_hours, last_refresh_at, member_ids,
	contact_count, estimated_reach, tags, source_query, created_by,
	created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*Segment, error) {
	seg := &Segment{}
	var (
		criteriaJSON    []byte
		sourceJSON      []byte
		refreshInterval sql.NullInt64
		lastRefresh     sql.NullTime
		deletedAt       sql.NullTime
		memberIDs       pq.StringArray
		tags            pq.StringArray
	)
	err := row.Scan(
		&seg.ID, &seg.Name, &seg.Description, &seg.EntityType, &seg.SegmentType,
		&criteriaJSON, &seg.Status, &seg.AutoRefresh, &refreshInterval,
		&lastRefresh, &memberIDs, &seg.ContactCount, &seg.EstimatedReach,
		&tags, &sourceJSON, &seg.CreatedBy, &seg.CreatedAt, &seg.UpdatedAt,
		&deletedAt)
	if err != nil {
		return nil, err
	}

	if len(criteriaJSON) > 0 {
		if err := json.Unmarshal(criteriaJSON, &seg.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria of %s: %w", seg.ID, err)
		}
	}
	if len(sourceJSON) > 0 && string(sourceJSON) != "null" {
		var q PowerSearchQuery
		if err := json.Unmarshal(sourceJSON, &q); err != nil {
			return nil, fmt.Errorf("decode source query of %s: %w", seg.ID, err)
		}
		seg.SourceQuery = &q
	}
	if refreshInterval.Valid {
		v := int(refreshInterval.Int64)
		seg.RefreshInterval = &v
	}
	if lastRefresh.Valid {
		t := lastRefresh.Time
		seg.LastRefreshAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		seg.DeletedAt = &t
	}
	seg.MemberIDs = []string(memberIDs)
	if seg.MemberIDs == nil {
		seg.MemberIDs = []string{}
	}
	seg.Tags = []string(tags)
	if seg.Tags == nil {
		seg.Tags = []string{}
	}
	return seg, nil
}

func encodeSegment(seg *Segment) (criteria, source []byte, err error) {
	criteria, err = json.Marshal(seg.Criteria)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal criteria: %w", err)
	}
	if seg.SourceQuery != nil {
		source, err = json.Marshal(seg.SourceQuery)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal source query: %w", err)
		}
	}
	return criteria, source, nil
}

func nullableInterval(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Create inserts a segment. ID and timestamps are filled in when missing.
func (s *Store) Create(ctx context.Context, seg *Segment) error {
	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	now := s.now()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}
	seg.UpdatedAt = now
	if seg.MemberIDs == nil {
		seg.MemberIDs = []string{}
	}
	if seg.Tags == nil {
		seg.Tags = []string{}
	}
	seg.ContactCount = len(seg.MemberIDs)

	criteria, source, err := encodeSegment(seg)
	if err != nil {
		return err
	}

	query := `INSERT INTO crm_segments (` + segmentColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = s.db.ExecContext(ctx, query,
		seg.ID, seg.Name, seg.Description, seg.EntityType, seg.SegmentType,
		criteria, seg.Status, seg.AutoRefresh, nullableInterval(seg.RefreshInterval),
		nullableTime(seg.LastRefreshAt), pq.Array(seg.MemberIDs), seg.ContactCount,
		seg.EstimatedReach, pq.Array(seg.Tags), source, seg.CreatedBy,
		seg.CreatedAt, seg.UpdatedAt, nullableTime(seg.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// Get retrieves a segment by ID, including soft-deleted ones.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM crm_segments WHERE id = $1`

	seg, err := scanSegment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// List returns segments matching filter ordered by name.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Segment, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = "+arg(filter.EntityType))
	}
	if filter.AutoRefresh != nil {
		where = append(where, "auto_refresh = "+arg(*filter.AutoRefresh))
	}
	if term := strings.TrimSpace(filter.Search); term != "" {
		p := arg("%" + term + "%")
		where = append(where, fmt.Sprintf(
			"(name ILIKE %s OR description ILIKE %s OR array_to_string(tags, ' ') ILIKE %s)", p, p, p))
	}

	query := `SELECT ` + segmentColumns + ` FROM crm_segments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := []*Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Update locks the row, applies the patch and writes the whole record back
// in one transaction.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch SegmentPatch) (*Segment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + segmentColumns + ` FROM crm_segments WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`
	seg, err := scanSegment(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock segment: %w", err)
	}

	applyPatch(seg, patch, s.now())

	criteria, source, err := encodeSegment(seg)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE crm_segments SET
			name = $2, description = $3, criteria = $4, status = $5,
			auto_refresh = $6, refresh_interval_hours = $7, last_refresh_at = $8,
			member_ids = $9, contact_count = $10, estimated_reach = $11,
			tags = $12, source_query = $13, updated_at = $14
		WHERE id = $1`,
		seg.ID, seg.Name, seg.Description, criteria, seg.Status,
		seg.AutoRefresh, nullableInterval(seg.RefreshInterval), nullableTime(seg.LastRefreshAt),
		pq.Array(seg.MemberIDs), seg.ContactCount, seg.EstimatedReach,
		pq.Array(seg.Tags), source, seg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update segment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return seg, nil
}

// Delete soft-deletes a segment.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE crm_segments SET status = $2, deleted_at = $3, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL`,
		id, StatusInactive, now)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	return expectOneRow(res)
}

// HardDelete permanently removes a segment.
func (s *Store) HardDelete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crm_segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("purge segment: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

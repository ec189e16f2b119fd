package corpus

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// Postgres reads entities from the crm_entities table, whose attributes
// column holds each entity's fields as a JSONB object.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a corpus over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Records loads every live entity of entityType in creation order.
// createdAt and updatedAt are exposed as fields unless the attributes
// already carry them.
func (p *Postgres) Records(ctx context.Context, entityType segmentation.EntityType) ([]segmentation.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, attributes, created_at, updated_at
		FROM crm_entities
		WHERE entity_type = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("query %s entities: %w", entityType, err)
	}
	defer rows.Close()

	var records []segmentation.Record
	for rows.Next() {
		var (
			id         string
			attributes []byte
			createdAt  time.Time
			updatedAt  time.Time
		)
		if err := rows.Scan(&id, &attributes, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan %s entity: %w", entityType, err)
		}
		fields, err := decodeAttributes(attributes)
		if err != nil {
			return nil, fmt.Errorf("decode %s entity %s: %w", entityType, id, err)
		}
		if _, ok := fields["createdAt"]; !ok {
			fields["createdAt"] = createdAt
		}
		if _, ok := fields["updatedAt"]; !ok {
			fields["updatedAt"] = updatedAt
		}
		records = append(records, segmentation.Record{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s entities: %w", entityType, err)
	}
	return records, nil
}

func decodeAttributes(data []byte) (map[string]any, error) {
	fields := make(map[string]any)
	if len(data) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return fields, nil
}

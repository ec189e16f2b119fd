package corpus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/segmentation"
)

func TestMemory_ReplaceAndAdd(t *testing.T) {
	m := NewMemory()
	m.Replace(segmentation.EntityCompany, []segmentation.Record{{ID: "c1"}})

	before, err := m.Records(context.Background(), segmentation.EntityCompany)
	require.NoError(t, err)

	m.Add(segmentation.EntityCompany, segmentation.Record{ID: "c2"})
	after, err := m.Records(context.Background(), segmentation.EntityCompany)
	require.NoError(t, err)

	assert.Len(t, before, 1, "earlier snapshot is unaffected")
	assert.Len(t, after, 2)
	assert.Equal(t, 0, m.Count(segmentation.EntityFleet))
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Records(ctx, segmentation.EntityCompany)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_LoadJSON(t *testing.T) {
	m := NewMemory()
	err := m.LoadJSON(strings.NewReader(`{
		"company": [
			{"id": "c1", "fields": {"status": "Active", "employees": 40}},
			{"id": "c2", "fields": {"status": "Inactive"}}
		],
		"fleet": [{"id": "f1", "fields": {"vesselType": "Tanker"}}]
	}`))
	require.NoError(t, err)

	companies, _ := m.Records(context.Background(), segmentation.EntityCompany)
	require.Len(t, companies, 2)
	assert.Equal(t, json.Number("40"), companies[0].Fields["employees"])
	assert.Equal(t, 1, m.Count(segmentation.EntityFleet))

	assert.Error(t, m.LoadJSON(strings.NewReader(`{"planet": []}`)))
	assert.Error(t, m.LoadJSON(strings.NewReader(`{"company": [{"fields": {}}]}`)))
}

func TestPostgres_Records(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, attributes, created_at, updated_at FROM crm_entities WHERE entity_type = \\$1 AND deleted_at IS NULL").
		WithArgs("company").
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes", "created_at", "updated_at"}).
			AddRow("c1", []byte(`{"status":"Active","country":"Denmark","revenue":1200000}`), created, created).
			AddRow("c2", []byte(`{"status":"Inactive","createdAt":"2025-12-01T00:00:00Z"}`), created, created).
			AddRow("c3", nil, created, created))

	records, err := NewPostgres(db).Records(context.Background(), segmentation.EntityCompany)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "Denmark", records[0].Fields["country"])
	assert.Equal(t, json.Number("1200000"), records[0].Fields["revenue"])
	assert.Equal(t, created, records[0].Fields["createdAt"])
	assert.Equal(t, "2025-12-01T00:00:00Z", records[1].Fields["createdAt"], "attribute wins over column")
	assert.NotNil(t, records[2].Fields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FeedsMaterializer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("FROM crm_entities").
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes", "created_at", "updated_at"}).
			AddRow("c1", []byte(`{"employees":250}`), now, now).
			AddRow("c2", []byte(`{"employees":"12"}`), now, now).
			AddRow("c3", []byte(`{"employees":90}`), now, now))

	m := segmentation.NewMaterializer(NewPostgres(db), segmentation.MaterializerConfig{})
	res, err := m.Materialize(context.Background(), segmentation.MaterializeRequest{
		EntityType: segmentation.EntityCompany,
		Criteria: []segmentation.SegmentCriteria{
			{ID: "a", Field: "employees", Operator: segmentation.OpGreaterThan, Value: segmentation.Number(50)},
		},
		Status: segmentation.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, res.MemberIDs)
}

func TestPostgres_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM crm_entities").WillReturnError(assert.AnError)

	_, err = NewPostgres(db).Records(context.Background(), segmentation.EntityContact)
	assert.ErrorIs(t, err, assert.AnError)
}

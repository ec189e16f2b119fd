package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShippedMigrations(t *testing.T) {
	migrations, err := goose.CollectMigrations(filepath.Join("..", "..", "migrations"), 0, goose.MaxVersion)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, int64(1), migrations[0].Version)
}

func TestListTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT tablename FROM pg_tables").
		WillReturnRows(sqlmock.NewRows([]string{"tablename"}).AddRow("crm_entities").AddRow("crm_segments"))
	require.NoError(t, run(context.Background(), db, "list", "migrations"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)

func TestAppendListOpts(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := appendListOpts("SELECT 1 FROM positions WHERE asset_id = $1", []any{"mint"}, "opened_at",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.Equal(t, "SELECT 1 FROM positions WHERE asset_id = $1 AND opened_at >= $2 ORDER BY opened_at DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"mint", since, 10, 20}, args)
}

func TestAppendListOptsEmpty(t *testing.T) {
	q, args := appendListOpts("SELECT 1 FROM audit_log WHERE 1=1", nil, "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT 1 FROM audit_log WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/exitpilot?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "exitpilot"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"001_positions.sql", "002_audit_log.sql"}, names)

	data, err := migrationsFS.ReadFile("migrations/001_positions.sql")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "remaining_pct"))
}

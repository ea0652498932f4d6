package scylla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaStatements(t *testing.T) {
	t.Parallel()

	stmts := schemaStatements(schema)
	require.Len(t, stmts, 9)
	for _, stmt := range stmts {
		assert.Contains(t, stmt, "CREATE TABLE IF NOT EXISTS")
		assert.NotContains(t, stmt, "--")
	}
}

func TestSchemaStatementsSkipsComments(t *testing.T) {
	t.Parallel()

	script := "-- header\nCREATE TABLE a (id int PRIMARY KEY);\n\n-- trailing\n"
	assert.Equal(t, []string{"CREATE TABLE a (id int PRIMARY KEY)"}, schemaStatements(script))
}

func TestCQLTime(t *testing.T) {
	t.Parallel()

	assert.True(t, cqlTime(time.Time{}).IsZero())

	at := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	got := cqlTime(at)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123000000, got.Nanosecond())
	assert.True(t, got.Equal(at.Truncate(time.Millisecond)))
}

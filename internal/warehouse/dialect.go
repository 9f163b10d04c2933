package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dbtgen/dbtgen/internal/failure"
)

func (c *Client) listTablesQuery() (string, []any) {
	switch c.dialect {
	case DialectSnowflake:
		return fmt.Sprintf(`SELECT TABLE_NAME FROM %s.INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME`, snowflakeIdent(c.database)), []any{c.schema}
	case DialectPostgres:
		return `SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`, []any{c.schema}
	default:
		return `SELECT table_name FROM information_schema.tables
WHERE table_schema = ? AND table_type = 'BASE TABLE'
ORDER BY table_name`, []any{c.schema}
	}
}

func (c *Client) columnsQuery(table string) (string, []any) {
	switch c.dialect {
	case DialectSnowflake:
		return fmt.Sprintf(`SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM %s.INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`, snowflakeIdent(c.database)), []any{c.schema, table}
	case DialectPostgres:
		return `SELECT column_name, data_type, is_nullable FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, []any{c.schema, table}
	default:
		return `SELECT column_name, data_type, is_nullable FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, []any{c.schema, table}
	}
}

func (c *Client) primaryKeysQuery(table string) (string, []any) {
	if c.dialect == DialectPostgres {
		return `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY kcu.ordinal_position`, []any{c.schema, table}
	}
	return `SELECT UNNEST(constraint_column_names) FROM duckdb_constraints()
WHERE schema_name = ? AND table_name = ? AND constraint_type = 'PRIMARY KEY'`, []any{c.schema, table}
}

func (c *Client) snowflakePrimaryKeysQuery(table string) string {
	return fmt.Sprintf("SHOW PRIMARY KEYS IN TABLE %s.%s.%s",
		snowflakeIdent(c.database), snowflakeIdent(c.schema), quoteIdent(table))
}

// snowflakePrimaryKeys reads SHOW PRIMARY KEYS output, whose column set varies
// across Snowflake releases, by column name.
func (c *Client) snowflakePrimaryKeys(ctx context.Context, table string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.snowflakePrimaryKeysQuery(table))
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "query primary key metadata", err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "read primary key columns", err)
	}
	columnIdx, sequenceIdx := -1, -1
	for i, name := range names {
		switch strings.ToLower(name) {
		case "column_name":
			columnIdx = i
		case "key_sequence":
			sequenceIdx = i
		}
	}
	if columnIdx < 0 {
		return nil, failure.New(failure.KindConnection, "primary key metadata has no column_name column")
	}

	type keyColumn struct {
		name     string
		sequence int
	}
	keys := make([]keyColumn, 0)
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, failure.Wrap(failure.KindConnection, "scan primary key metadata", err)
		}
		key := keyColumn{name: values[columnIdx].String, sequence: len(keys) + 1}
		if sequenceIdx >= 0 {
			if seq, err := strconv.Atoi(strings.TrimSpace(values[sequenceIdx].String)); err == nil {
				key.sequence = seq
			}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.KindConnection, "iterate primary key metadata", err)
	}

	sort.SliceStable(keys, func(i, j int) bool { return keys[i].sequence < keys[j].sequence })
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.name)
	}
	return out, nil
}

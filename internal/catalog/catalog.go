// Package catalog discovers the primary key of every base table at startup.
// The result is immutable for the lifetime of a session.
package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// primaryKeySQL yields one row per base table: the schema-qualified name and,
// when the table has a primary key, its column name, data type, and ordinal
// position. Ordered by ordinal so the first PK column wins for composite keys.
const primaryKeySQL = `
SELECT CONCAT(table_schema, '.', table_name), column_name, data_type, ordinal_position
FROM information_schema.tables
LEFT JOIN (
    SELECT CONCAT(table_schema, '.', table_name), column_name, data_type, c.ordinal_position,
                table_catalog, table_schema, table_name
    FROM information_schema.table_constraints
    JOIN information_schema.key_column_usage AS kcu
        USING (constraint_catalog, constraint_schema, constraint_name,
                    table_catalog, table_schema, table_name)
    JOIN information_schema.columns AS c
        USING (table_catalog, table_schema, table_name, column_name)
    WHERE constraint_type = 'PRIMARY KEY'
) as q using (table_catalog, table_schema, table_name)
ORDER BY ordinal_position;
`

// PrimaryKey describes the primary-key column of one table.
type PrimaryKey struct {
	Table    string // schema-qualified
	Column   string
	DataType string
	Ordinal  int
}

// Map indexes primary keys by schema-qualified table name.
type Map map[string]PrimaryKey

// Load runs the primary-key discovery query once and builds the map.
// Tables without a primary key are skipped.
func Load(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (Map, error) {
	logger.Info().Msg("getting primary key map")

	rows, err := pool.Query(ctx, primaryKeySQL)
	if err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}
	defer rows.Close()

	pkMap := make(Map)
	for rows.Next() {
		var table string
		var column, dataType *string
		var ordinal *int
		if err := rows.Scan(&table, &column, &dataType, &ordinal); err != nil {
			return nil, fmt.Errorf("scan primary key row: %w", err)
		}
		if column == nil || dataType == nil || ordinal == nil {
			continue
		}
		if _, ok := pkMap[table]; ok {
			continue
		}
		pkMap[table] = PrimaryKey{Table: table, Column: *column, DataType: *dataType, Ordinal: *ordinal}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read primary key rows: %w", err)
	}

	logger.Info().Int("tables", len(pkMap)).Msg("primary key map loaded")
	return pkMap, nil
}

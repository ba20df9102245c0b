package importer

import (
	"context"
	"database/sql"
	"fmt"
)

// statements are prepared once per import and reused for every entity.
type statements struct {
	workspace    *sql.Stmt
	dataset      *sql.Stmt
	table        *sql.Stmt
	tableByName  *sql.Stmt
	column       *sql.Stmt
	measure      *sql.Stmt
	relationship *sql.Stmt
	dataSource   *sql.Stmt
}

func prepareStatements(ctx context.Context, tx *sql.Tx) (*statements, error) {
	st := &statements{}
	defs := []struct {
		name string
		dst  **sql.Stmt
		sql  string
	}{
		{"workspace", &st.workspace, `
			INSERT OR REPLACE INTO workspaces (id, name, type, is_on_dedicated_capacity)
			VALUES (?, ?, ?, ?)`},
		{"dataset", &st.dataset, `
			INSERT OR REPLACE INTO datasets (id, name, workspace_id, created_date, modified_date)
			VALUES (?, ?, ?, ?, ?)`},
		{"table", &st.table, `
			INSERT OR REPLACE INTO tables (id, name, dataset_id, row_count)
			VALUES (?, ?, ?, ?)`},
		{"table_by_name", &st.tableByName, `
			SELECT id FROM tables WHERE name = ? AND dataset_id = ?`},
		{"column", &st.column, `
			INSERT OR REPLACE INTO columns
				(id, name, table_id, data_type, description, is_hidden,
				 data_category, sort_by_column_id, is_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{"measure", &st.measure, `
			INSERT OR REPLACE INTO measures
				(id, name, dataset_id, table_id, expression, description, is_hidden)
			VALUES (?, ?, ?, ?, ?, ?, ?)`},
		{"relationship", &st.relationship, `
			INSERT OR REPLACE INTO relationships
				(id, dataset_id, from_table, from_column, to_table, to_column,
				 cross_filtering_behavior, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`},
		{"data_source", &st.dataSource, `
			INSERT OR REPLACE INTO data_sources
				(id, dataset_id, name, type, connection_string, impersonation_mode)
			VALUES (?, ?, ?, ?, ?, ?)`},
	}
	for _, d := range defs {
		stmt, err := tx.PrepareContext(ctx, d.sql)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("prepare %s: %w", d.name, err)
		}
		*d.dst = stmt
	}
	return st, nil
}

func (st *statements) close() {
	for _, s := range []*sql.Stmt{
		st.workspace, st.dataset, st.table, st.tableByName,
		st.column, st.measure, st.relationship, st.dataSource,
	} {
		if s != nil {
			s.Close()
		}
	}
}

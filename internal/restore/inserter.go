package restore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"migration-guard/internal/database"
)

// inserter buffers rows of one table and writes them as multi-row INSERTs
type inserter struct {
	ctx       context.Context
	tx        *sql.Tx
	batchSize int

	table   string
	columns []string
	limit   int
	args    []interface{}
	rows    int
}

func (ins *inserter) begin(table string, columns []string) {
	ins.table = table
	ins.columns = columns
	ins.args = ins.args[:0]
	ins.rows = 0

	ins.limit = ins.batchSize
	if ins.limit <= 0 {
		ins.limit = 1
	}
	if max := maxPlaceholders / len(columns); ins.limit > max {
		ins.limit = max
	}
}

func (ins *inserter) add(values []*string) error {
	for _, v := range values {
		if v == nil {
			ins.args = append(ins.args, nil)
		} else {
			ins.args = append(ins.args, *v)
		}
	}
	ins.rows++
	if ins.rows >= ins.limit {
		return ins.flush()
	}
	return nil
}

func (ins *inserter) flush() error {
	if ins.rows == 0 {
		return nil
	}

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ins.columns)), ", ") + ")"
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		database.QuoteIdent(ins.table),
		database.QuoteIdents(ins.columns),
		strings.TrimSuffix(strings.Repeat(row+", ", ins.rows), ", "))

	if _, err := ins.tx.ExecContext(ins.ctx, query, ins.args...); err != nil {
		return fmt.Errorf("failed to insert %d rows into %s: %w", ins.rows, ins.table, err)
	}
	ins.args = ins.args[:0]
	ins.rows = 0
	return nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/ofmlsync/internal/metrics"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// Outcome describes one PersistTable call.
type Outcome struct {
	Target   string
	Program  string
	Deleted  int64
	Inserted int64
	// Healed lists columns added to the target during the call.
	Healed []string
	// Created is true when the target table was created.
	Created bool
	// Err is the failure recorded by PersistProgram.
	Err error
}

// PersistTable replaces the rows program owns in t's target table.
//
// Delete and insert run in one transaction. A missing target is treated as
// empty on delete and created on insert. An insert that names a column the
// target lacks adds that column and retries; each column is added at most
// once per call, so a column that is still missing afterwards fails with
// ErrSchemaDrift. Any other error fails this table only.
func (db *DB) PersistTable(ctx context.Context, t *table.Table, program string) (Outcome, error) {
	target := t.TargetName()
	unlock := db.locks.Lock(target)
	defer unlock()

	start := time.Now()
	out := Outcome{Target: target, Program: program}
	err := db.persist(ctx, t, program, &out)

	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	metrics.TablesPersisted.WithLabelValues(metrics.Status(err == nil)).Inc()
	if err != nil {
		db.logger.Error("failed to persist table",
			zap.String("program", program),
			zap.String("target", target),
			zap.String("file", t.Path),
			zap.Error(err))
		return out, err
	}
	metrics.RowsPersisted.Add(float64(out.Inserted))
	db.logger.Debug("persisted table",
		zap.String("program", program),
		zap.String("target", target),
		zap.Int64("deleted", out.Deleted),
		zap.Int64("inserted", out.Inserted),
		zap.Strings("healed", out.Healed))
	return out, nil
}

func (db *DB) persist(ctx context.Context, t *table.Table, program string, out *Outcome) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted, err := db.deleteProgram(ctx, tx, out.Target, program)
	if err != nil {
		return err
	}
	out.Deleted = deleted

	if t.Empty() {
		return commit(tx)
	}

	columns := append(append([]string(nil), t.Columns...), ColProgram, ColModified, ColRead)
	healed := make(map[string]bool)
	for {
		n, err := db.insertRows(ctx, tx, out.Target, columns, t, program)
		if err == nil {
			out.Inserted = n
			break
		}

		if db.dialect.MissingTable(err) && !out.Created {
			if err := db.createTable(ctx, tx, out.Target, t); err != nil {
				return err
			}
			out.Created = true
			continue
		}

		col, ok := db.dialect.MissingColumn(err)
		if !ok {
			return fmt.Errorf("insert into %s: %w", out.Target, err)
		}
		if healed[col] {
			return fmt.Errorf("%w: column %s of %s: %v", ErrSchemaDrift, col, out.Target, err)
		}
		typ, known := columnType(t, col)
		if !known {
			return fmt.Errorf("insert into %s: column %s is not part of %s: %w", out.Target, col, t.Filename, err)
		}
		if err := db.addColumn(ctx, tx, out.Target, col, typ); err != nil {
			return err
		}
		healed[col] = true
		out.Healed = append(out.Healed, col)
	}

	return commit(tx)
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// deleteProgram removes the rows tagged with program. A missing table or
// provenance column means there is nothing to delete.
func (db *DB) deleteProgram(ctx context.Context, tx *sql.Tx, target, program string) (int64, error) {
	d := db.dialect
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", d.Quote(target), d.Quote(ColProgram), d.Placeholder(1))

	var n int64
	err := savepoint(ctx, tx, "ofml_delete", func() error {
		res, err := tx.ExecContext(ctx, q, program)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err == nil {
		return n, nil
	}
	if d.MissingTable(err) {
		return 0, nil
	}
	if col, ok := d.MissingColumn(err); ok && col == ColProgram {
		return 0, nil
	}
	return 0, fmt.Errorf("delete from %s: %w", target, err)
}

// insertRows writes all rows in multi-row statements under one savepoint,
// so a failure leaves the transaction usable for DDL and a retry.
func (db *DB) insertRows(ctx context.Context, tx *sql.Tx, target string, columns []string, t *table.Table, program string) (int64, error) {
	d := db.dialect
	perStmt := max(1, min(db.opts.BatchSize, d.MaxParams()/len(columns)))

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", d.Quote(target), strings.Join(quoted, ", "))

	var total int64
	err := savepoint(ctx, tx, "ofml_insert", func() error {
		for lo := 0; lo < len(t.Rows); lo += perStmt {
			hi := min(lo+perStmt, len(t.Rows))
			q, args := buildInsert(d, prefix, len(columns), t.Rows[lo:hi], program, t.ModifiedAt, t.ReadAt)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
			total += int64(hi - lo)
		}
		return nil
	})
	return total, err
}

func buildInsert(d Dialect, prefix string, width int, rows [][]any, program string, modified, read time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	args := make([]any, 0, len(rows)*width)

	n := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteByte(')')
		args = append(args, row...)
		args = append(args, program, modified, read)
	}
	return b.String(), args
}

func (db *DB) createTable(ctx context.Context, tx *sql.Tx, target string, t *table.Table) error {
	d := db.dialect
	defs := make([]string, 0, len(t.Columns)+3)
	for i, c := range t.Columns {
		defs = append(defs, d.Quote(c)+" "+d.ColumnType(sqlTypeOf(t.Types[i])))
	}
	defs = append(defs,
		d.Quote(ColProgram)+" "+d.ColumnType(typeText),
		d.Quote(ColModified)+" "+d.ColumnType(typeTimestamp),
		d.Quote(ColRead)+" "+d.ColumnType(typeTimestamp))

	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(target), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	metrics.SchemaHeals.WithLabelValues("table").Inc()
	db.logger.Info("created mirror table", zap.String("target", target))
	return nil
}

func (db *DB) addColumn(ctx context.Context, tx *sql.Tx, target, column string, typ sqlType) error {
	d := db.dialect
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(target), d.Quote(column), d.ColumnType(typ))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("add column %s to %s: %w", column, target, err)
	}
	metrics.SchemaHeals.WithLabelValues("column").Inc()
	db.logger.Info("added missing column",
		zap.String("target", target), zap.String("column", column), zap.String("type", d.ColumnType(typ)))
	return nil
}

// columnType resolves the DDL type for a column of t or a provenance column.
func columnType(t *table.Table, column string) (sqlType, bool) {
	switch column {
	case ColProgram:
		return typeText, true
	case ColModified, ColRead:
		return typeTimestamp, true
	}
	ct, ok := t.ColumnType(column)
	if !ok {
		return typeText, false
	}
	return sqlTypeOf(ct), true
}

// savepoint runs fn inside a named savepoint and rolls back to it when fn
// fails.
func savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// PersistProgram writes every table of one program, at most MaxConns at a
// time (one for sqlite). Each table succeeds or fails on its own. The
// failures are returned joined and also set on the matching Outcome.
func (db *DB) PersistProgram(ctx context.Context, program string, tables []*table.Table) ([]Outcome, error) {
	outcomes := make([]Outcome, len(tables))
	errs := make([]error, len(tables))

	var g errgroup.Group
	g.SetLimit(db.writers)
	for i, t := range tables {
		g.Go(func() error {
			out, err := db.PersistTable(ctx, t, program)
			out.Err = err
			outcomes[i] = out
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", t.Filename, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

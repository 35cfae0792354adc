package bikecurate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

var ErrInvalidInput = errors.New("invalid input")

type AuditOpts struct {
	// ForceValid deletes rows with dangling references until none remain.
	ForceValid    bool
	IgnoreInvalid bool
}

// Audit checks every foreign id in the curated database resolves. It
// returns the issues found; unless forced or ignored any issue is
// ErrInvalidInput.
func (s *Store) Audit(opts *AuditOpts) ([]string, error) {
	if opts == nil {
		opts = &AuditOpts{}
	}
	var logLevel slog.Level
	if opts.ForceValid || opts.IgnoreInvalid {
		logLevel = slog.LevelWarn
	} else {
		logLevel = slog.LevelError
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return validate(s.db, validateOpts{
		force:    opts.ForceValid,
		ignore:   opts.IgnoreInvalid,
		logLevel: logLevel,
	})
}

type validateOpts struct {
	force    bool
	ignore   bool
	logLevel slog.Level
}

func validate(db *sqlite.Conn, opts validateOpts) ([]string, error) {
	v := &validator{db: db, opts: opts, toDelete: make(map[string][]int64)}

	slog.Info("Validating")

	tables, err := listTables(db)
	if err != nil {
		return nil, err
	}

	for {
		for _, table := range tables {
			schema, suffix, ok := schemaFor(table)
			if !ok {
				continue
			}
			if err := v.validateTable(table, suffix, schema, tables); err != nil {
				return nil, err
			}
		}
		if len(v.toDelete) == 0 {
			break
		}

		deleted := 0
		for table, rows := range v.toDelete {
			query := fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", table)
			for _, rowid := range rows {
				if err := sqlitex.Exec(db, query, sqlitexNoop, rowid); err != nil {
					return nil, err
				}
				deleted++
			}
		}
		slog.Info(fmt.Sprintf("Re-validating after force deleting %d row(s)", deleted))
		v.toDelete = make(map[string][]int64)
		v.pass++
	}

	if len(v.issues) > 0 {
		if opts.force || opts.ignore {
			return v.issues, nil
		} else {
			return v.issues, ErrInvalidInput
		}
	}
	return nil, nil
}

type validator struct {
	db       *sqlite.Conn
	opts     validateOpts
	issues   []string
	pass     int
	toDelete map[string][]int64 // table -> rowid
}

func (v *validator) append(msg string, args ...any) {
	issue := fmt.Sprintf(msg, args...)
	slog.Log(context.Background(), v.opts.logLevel, issue)
	v.issues = append(v.issues, issue)
}

func (v *validator) validateTable(table, suffix string, schema tableSchema, tables []string) error {
	for _, column := range schema.Columns {
		if column.ForeignID == nil {
			continue
		}
		foreign := *column.ForeignID
		if target, ok := curatedSchema[foreign.Table]; ok && target.Partitioned {
			foreign.Table += "_" + suffix
		}
		if err := v.validateForeignID(table, column.Name, foreign, tables); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateForeignID(table, column string, schema foreignIDSchema, tables []string) error {
	var query string
	if slices.Contains(tables, schema.Table) {
		query = fmt.Sprintf("SELECT rowid, * FROM %s WHERE %s IS NOT NULL AND %s NOT IN (SELECT %s FROM %s)",
			table, column, column, schema.Column, schema.Table)
	} else {
		// Nothing can resolve against a table that was never written.
		query = fmt.Sprintf("SELECT rowid, * FROM %s WHERE %s IS NOT NULL", table, column)
	}

	return sqlitex.Exec(v.db, query, func(stmt *sqlite.Stmt) error {
		rowid := stmt.GetInt64("rowid")
		value := stmt.GetText(column)

		if v.pass == 0 {
			v.append("%s in %s is not a valid %s [%s]", value, table, column, prettyPrintRow(stmt))
		}

		if v.opts.force {
			v.toDelete[table] = append(v.toDelete[table], rowid)
		}

		return nil
	})
}

func prettyPrintRow(row *sqlite.Stmt) string {
	var out []string
	for i := range row.ColumnCount() {
		column := row.ColumnName(i)
		value := row.GetText(column)
		if column != "rowid" && value != "" {
			out = append(out, fmt.Sprintf("%s: %s", column, value))
		}
	}
	return strings.Join(out, ", ")
}

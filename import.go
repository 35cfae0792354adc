package bikecurate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"crawshaw.io/sqlite/sqlitex"
)

type ImportOpts struct {
	ForceValid    bool
	IgnoreInvalid bool
}

// Import loads a directory of table CSVs, as written by Export, into a new
// curated database and audits it.
func Import(inputDir string, outputPath string, opts *ImportOpts) ([]string, error) {
	if inputDir == "" {
		panic("Missing inputDir")
	}
	if outputPath == "" {
		panic("Missing outputPath")
	}

	if opts == nil {
		opts = &ImportOpts{}
	}

	slog.Info(fmt.Sprintf("Importing %s to %s", inputDir, outputPath))

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingInput, err)
	}

	store, err := CreateStore(outputPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		err = store.importFile(filepath.Join(inputDir, entry.Name()))
		if err != nil {
			return nil, err
		}
	}

	issues, err := store.Audit(&AuditOpts{ForceValid: opts.ForceValid, IgnoreInvalid: opts.IgnoreInvalid})
	if err != nil {
		return issues, err
	}

	err = store.Close()
	store = nil
	if err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return issues, nil
}

func (s *Store) importFile(path string) (err error) {
	filename := filepath.Base(path)

	inputF, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = inputF.Close() }()

	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.db

	if !strings.HasSuffix(filename, ".csv") {
		slog.Info("Importing other file " + filename)

		contents, err := io.ReadAll(inputF)
		if err != nil {
			return err
		}

		if err := sqlitex.Exec(db, "CREATE TABLE IF NOT EXISTS __bikecurate_other_files (name TEXT, contents BLOB)", sqlitexNoop); err != nil {
			return err
		}
		return sqlitex.Exec(db, "INSERT INTO __bikecurate_other_files (name, contents) VALUES (?, ?)", sqlitexNoop, filename, contents)
	}

	defer sqlitex.Save(db)(&err)

	inputCSV := csv.NewReader(inputF)
	table := strings.TrimSuffix(filename, ".csv")

	// Header

	header, err := inputCSV.Read()
	if errors.Is(err, io.EOF) {
		slog.Warn(fmt.Sprintf("Skipping %s: no header", filename))
		return nil
	} else if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Importing %s: %s", filename, strings.Join(header, ",")))

	schema, _, known := schemaFor(table)
	if known {
		if err := createTable(db, table, schema); err != nil {
			return err
		}
	}
	hasTable := known
	for _, column := range header {
		if _, ok := schema.column(column); ok {
			continue
		}
		columnFragment := column + " TEXT"

		var query string
		if hasTable {
			query = fmt.Sprintf("ALTER TABLE %s ADD %s", table, columnFragment)
		} else {
			query = fmt.Sprintf("CREATE TABLE %s (%s)", table, columnFragment)
			hasTable = true
		}

		if err := sqlitex.ExecTransient(db, query, sqlitexNoop); err != nil {
			return err
		}
	}

	var argFragments []string
	for i := range header {
		argFragments = append(argFragments, fmt.Sprintf("?%d", i+1))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(header, ", "), strings.Join(argFragments, ", "))
	insertStmt, err := db.Prepare(query)
	if err != nil {
		return err
	}

	// Rows

	inputCSV.FieldsPerRecord = -1 // Allow variable numbers of fields

	rowCount := 0
	for {
		row, err := inputCSV.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		err = insertStmt.Reset()
		if err != nil {
			return err
		}
		err = insertStmt.ClearBindings()
		if err != nil {
			return err
		}

		for i, v := range row {
			if i >= len(header) {
				break
			}
			param := i + 1
			if v == "" {
				insertStmt.BindNull(param)
			} else {
				insertStmt.BindText(param, v)
			}
		}

		for {
			rowReturned, err := insertStmt.Step()
			if err != nil {
				return err
			}
			if !rowReturned {
				break
			}
		}

		rowCount++
	}
	slog.Info(fmt.Sprintf("Wrote %d rows", rowCount))

	return nil
}

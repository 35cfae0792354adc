package bikecurate

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

type ExportOpts struct {
	// IncludeEmpty also writes tables with no rows, as a bare header.
	IncludeEmpty bool
}

// Export writes each curated table of the database at inputPath to
// <outputDir>/<table>.csv.
func Export(inputPath string, outputDir string, opts *ExportOpts) error {
	if inputPath == "" {
		panic("Missing inputPath")
	}
	if outputDir == "" {
		panic("Missing outputDir")
	}
	if opts == nil {
		opts = &ExportOpts{}
	}

	slog.Info(fmt.Sprintf("Exporting %s to %s", inputPath, outputDir))

	db, err := sqlite.OpenConn(inputPath, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	tables, err := listTables(db)
	if err != nil {
		return err
	}

	for _, table := range tables {
		if _, _, ok := schemaFor(table); !ok {
			continue
		}

		var rowCount int64
		err = sqlitex.Exec(db, fmt.Sprintf("SELECT count(*) AS count FROM %s", table), func(stmt *sqlite.Stmt) error {
			rowCount = stmt.GetInt64("count")
			return nil
		})
		if err != nil {
			return err
		}
		if rowCount == 0 && !opts.IncludeEmpty {
			continue
		}

		if err := exportTable(db, outputDir, table); err != nil {
			return err
		}
	}

	err = db.Close()
	db = nil
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputDir))
	return nil
}

func exportTable(db *sqlite.Conn, outputDir string, table string) error {
	outputName := table + ".csv"
	outputF, err := os.Create(filepath.Join(outputDir, outputName))
	if err != nil {
		return err
	}
	defer func() { _ = outputF.Close() }()
	outputCSV := csv.NewWriter(outputF)

	rowCount := 0

	var cols []string
	err = sqlitex.Exec(db, "SELECT name FROM pragma_table_info(?)", func(stmt *sqlite.Stmt) error {
		cols = append(cols, stmt.GetText("name"))
		return nil
	}, table)
	if err != nil {
		return err
	}
	if err := outputCSV.Write(cols); err != nil {
		return err
	}

	err = sqlitex.Exec(db, "SELECT * FROM "+table+" ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		var row []string
		for _, col := range cols {
			row = append(row, stmt.GetText(col))
		}
		if err := outputCSV.Write(row); err != nil {
			return err
		}
		rowCount++
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Wrote %d rows to %s", rowCount, outputName))

	outputCSV.Flush()
	if err := outputCSV.Error(); err != nil {
		return err
	}
	return outputF.Close()
}

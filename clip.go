package bikecurate

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

// Clip writes a copy of a curated database restricted to the stations inside
// clipFeature. Trips and features survive only when both their stations do,
// and demographics only when a surviving station references them.
func Clip(inputPath string, outputPath string, clipFeature string) error {
	feature, err := geojson.Parse(clipFeature, &geojson.ParseOptions{RequireValid: true})
	if err != nil {
		return fmt.Errorf("parse clip feature: %w", err)
	}

	slog.Info(fmt.Sprintf("Writing a clipped copy of %s to %s (clipFeature has %d points)",
		inputPath, outputPath, feature.NumPoints()))

	inputDB, err := sqlite.OpenConn(inputPath, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return err
	}
	defer func() {
		if inputDB != nil {
			_ = inputDB.Close()
		}
	}()

	db, err := inputDB.BackupToDB("", outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	err = inputDB.Close()
	inputDB = nil
	if err != nil {
		return err
	}
	slog.Info("Copied input db")

	if err := sqlitex.ExecTransient(db, "CREATE TABLE __bikecurate_stations_inside (station_uuid TEXT)", sqlitexNoop); err != nil {
		return err
	}

	stationsInsideCount := 0
	totalStationCount := 0
	err = sqlitex.Exec(db, "SELECT station_uuid, latitude, longitude FROM stations", func(stmt *sqlite.Stmt) error {
		totalStationCount++
		point := geojson.NewPoint(geometry.Point{X: stmt.GetFloat("longitude"), Y: stmt.GetFloat("latitude")})
		if feature.Contains(point) {
			stationsInsideCount++
			return sqlitex.Exec(db, "INSERT INTO __bikecurate_stations_inside (station_uuid) VALUES (?)",
				sqlitexNoop, stmt.GetText("station_uuid"))
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%d of %d stations are inside", stationsInsideCount, totalStationCount))

	tables, err := listTables(db)
	if err != nil {
		return err
	}

	var script strings.Builder
	for _, table := range tables {
		if !strings.HasPrefix(table, "trips_") && !strings.HasPrefix(table, "features_") {
			continue
		}
		if _, _, ok := schemaFor(table); !ok {
			continue
		}
		fmt.Fprintf(&script, `
DELETE FROM %s WHERE
  start_station_uuid NOT IN __bikecurate_stations_inside OR
  end_station_uuid NOT IN __bikecurate_stations_inside;
`, table)
	}
	script.WriteString(`
DELETE FROM stations WHERE station_uuid NOT IN __bikecurate_stations_inside;
`)
	for _, table := range tables {
		if !strings.HasPrefix(table, "trips_") {
			continue
		}
		if _, suffix, ok := schemaFor(table); ok && suffix != "" {
			// bikes still referenced by any month survive
			fmt.Fprintf(&script, "CREATE TEMP TABLE IF NOT EXISTS __bikecurate_bikes_used (bike_uuid TEXT);\n")
			fmt.Fprintf(&script, "INSERT INTO __bikecurate_bikes_used SELECT DISTINCT bike_uuid FROM %s;\n", table)
		}
	}
	script.WriteString(`
CREATE TEMP TABLE IF NOT EXISTS __bikecurate_bikes_used (bike_uuid TEXT);
DELETE FROM bikes WHERE bike_uuid NOT IN __bikecurate_bikes_used;
DROP TABLE __bikecurate_bikes_used;
`)
	if slices.Contains(tables, "demographics") {
		script.WriteString(`
DELETE FROM demographics WHERE zip_code_uuid NOT IN
  (SELECT DISTINCT zip_code_uuid FROM stations WHERE zip_code_uuid IS NOT NULL);
`)
	}
	script.WriteString(`
DROP TABLE __bikecurate_stations_inside;
`)

	if err := sqlitex.ExecScript(db, script.String()); err != nil {
		return err
	}
	if _, err = validate(db, validateOpts{logLevel: slog.LevelError}); err != nil {
		return err
	}

	err = db.Close()
	db = nil
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}

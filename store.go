package bikecurate

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

var storePragmas = map[string]string{
	"synchronous": "OFF",
}

// Store is the curated database. A connection is not safe for concurrent
// use, so every call takes the store's lock.
type Store struct {
	mu   sync.Mutex
	db   *sqlite.Conn
	path string
}

// CreateStore replaces any database at path with an empty one.
func CreateStore(path string) (*Store, error) {
	if path == "" {
		panic("Missing path")
	}
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return openStore(path, 0)
}

func OpenStore(path string) (*Store, error) {
	if path == "" {
		panic("Missing path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: curated database %s: %w", ErrMissingInput, path, err)
	}
	return openStore(path, 0)
}

func openStore(path string, flags sqlite.OpenFlags) (*Store, error) {
	db, err := sqlite.OpenConn(path, flags)
	if err != nil {
		return nil, err
	}
	for pragma, value := range storePragmas {
		err = sqlitex.Exec(db, "PRAGMA "+pragma+" = "+value, sqlitexNoop)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func sqlitexNoop(*sqlite.Stmt) error { return nil }

func createTable(db *sqlite.Conn, table string, schema tableSchema) error {
	var columnFragments []string
	for _, column := range schema.Columns {
		columnFragments = append(columnFragments, column.Name+" "+column.SQLType)
	}
	if len(schema.PrimaryKey) > 0 {
		columnFragments = append(columnFragments, "PRIMARY KEY ("+strings.Join(schema.PrimaryKey, ", ")+")")
	}
	query := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(columnFragments, ", "))
	return sqlitex.ExecTransient(db, query, sqlitexNoop)
}

// writeTable creates table and inserts every row produced by each. Row
// values follow the schema's column order. Empty strings and NaN are stored
// as NULL.
func (s *Store) writeTable(table string, schema tableSchema, each func(emit func(values ...any) error) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer sqlitex.Save(s.db)(&err)

	if err := sqlitex.ExecTransient(s.db, "DROP TABLE IF EXISTS "+table, sqlitexNoop); err != nil {
		return err
	}
	if err := createTable(s.db, table, schema); err != nil {
		return err
	}

	var argFragments []string
	for i := range schema.Columns {
		argFragments = append(argFragments, fmt.Sprintf("?%d", i+1))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(schema.columnNames(), ", "), strings.Join(argFragments, ", "))
	insertStmt, err := s.db.Prepare(query)
	if err != nil {
		return err
	}

	rowCount := 0
	err = each(func(values ...any) error {
		if len(values) != len(schema.Columns) {
			return fmt.Errorf("%s: got %d values for %d columns", table, len(values), len(schema.Columns))
		}
		if err := insertStmt.Reset(); err != nil {
			return err
		}
		if err := insertStmt.ClearBindings(); err != nil {
			return err
		}
		for i, v := range values {
			bindValue(insertStmt, i+1, v)
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
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Wrote %d rows to %s", rowCount, table))
	return nil
}

func bindValue(stmt *sqlite.Stmt, param int, v any) {
	switch v := v.(type) {
	case string:
		if v == "" {
			stmt.BindNull(param)
		} else {
			stmt.BindText(param, v)
		}
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			stmt.BindNull(param)
		} else {
			stmt.BindFloat(param, v)
		}
	case int:
		stmt.BindInt64(param, int64(v))
	case bool:
		if v {
			stmt.BindInt64(param, 1)
		} else {
			stmt.BindInt64(param, 0)
		}
	default:
		stmt.BindText(param, fmt.Sprint(v))
	}
}

func (s *Store) WriteBikes(bikes []Bike) error {
	return s.writeTable("bikes", curatedSchema["bikes"], func(emit func(...any) error) error {
		for _, b := range bikes {
			if err := emit(b.UUID, b.OriginalID, string(b.Type)); err != nil {
				return err
			}
		}
		return nil
	})
}

func stationValues(st Station) []any {
	return []any{st.UUID, st.OriginalID, st.Latitude, st.Longitude, st.Name, st.City, st.ZipCodeUUID}
}

func (s *Store) WriteStations(stations []Station) error {
	return s.writeTable("stations", curatedSchema["stations"], func(emit func(...any) error) error {
		for _, st := range stations {
			if err := emit(stationValues(st)...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) WriteDemographics(table *DemographicTable) error {
	return s.writeTable("demographics", curatedSchema["demographics"], func(emit func(...any) error) error {
		for _, row := range table.Rows {
			values := []any{row.UUID, row.ZipCode}
			for _, v := range row.Values {
				values = append(values, v)
			}
			if err := emit(values...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) WriteWeather(records []WeatherRecord) error {
	return s.writeTable("weather", curatedSchema["weather"], func(emit func(...any) error) error {
		for _, r := range records {
			values := []any{r.UUID, FormatTimestamp(r.Date)}
			for _, v := range r.Values {
				values = append(values, v)
			}
			values = append(values, r.City)
			if err := emit(values...); err != nil {
				return err
			}
		}
		return nil
	})
}

func tripValues(t CuratedTrip) []any {
	return []any{
		t.UUID, FormatTimestamp(t.StartTime), FormatTimestamp(t.EndTime), string(t.MemberType),
		t.Duration, t.StartStationUUID, t.EndStationUUID, t.BikeUUID,
	}
}

func (s *Store) WriteTrips(batch Batch) error {
	return s.writeTable("trips_"+batch.Suffix(), curatedSchema["trips"], func(emit func(...any) error) error {
		for _, t := range batch.Trips {
			if err := emit(tripValues(t)...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) WriteFeatures(suffix string, rows []FeatureRow) error {
	return s.writeTable("features_"+suffix, curatedSchema["features"], func(emit func(...any) error) error {
		for _, r := range rows {
			values := tripValues(r.Trip)
			values = append(values, stationValues(r.Start)...)
			values = append(values, stationValues(r.End)...)
			values = append(values,
				r.DurationCategory, r.HourOfDay, r.HourCategory, r.DayOfWeek, r.IsWeekend,
				r.Month, string(r.Season), r.DistanceKm, r.AverageSpeedKmh, r.DistanceCategory,
				r.WeatherUUID,
			)
			if err := emit(values...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tables lists the stored tables, partitions in month order.
func (s *Store) Tables() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listTables(s.db)
}

func listTables(db *sqlite.Conn) ([]string, error) {
	var tables []string
	err := sqlitex.Exec(db, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name", func(stmt *sqlite.Stmt) error {
		tables = append(tables, stmt.GetText("name"))
		return nil
	})
	return tables, err
}

// Months lists the suffixes of the stored trip partitions.
func (s *Store) Months() ([]string, error) {
	tables, err := s.Tables()
	if err != nil {
		return nil, err
	}
	var months []string
	for _, table := range tables {
		if !strings.HasPrefix(table, "trips_") {
			continue
		}
		if _, suffix, ok := schemaFor(table); ok && suffix != "" {
			months = append(months, suffix)
		}
	}
	slices.Sort(months)
	return months, nil
}

func parseNullableFloat(v string) float64 {
	if v == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func (s *Store) ReadStations() ([]Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Station
	err := sqlitex.Exec(s.db, "SELECT * FROM stations ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		out = append(out, Station{
			UUID:        stmt.GetText("station_uuid"),
			OriginalID:  stmt.GetText("original_station_id"),
			Latitude:    stmt.GetFloat("latitude"),
			Longitude:   stmt.GetFloat("longitude"),
			Name:        stmt.GetText("station_name"),
			City:        stmt.GetText("city"),
			ZipCodeUUID: stmt.GetText("zip_code_uuid"),
		})
		return nil
	})
	return out, err
}

// ReadBatch loads the trips partition for a YYYY_MM suffix.
func (s *Store) ReadBatch(suffix string) (Batch, error) {
	batch, err := batchFor(suffix)
	if err != nil {
		return Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = sqlitex.Exec(s.db, "SELECT * FROM trips_"+suffix+" ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		start, err := ParseTimestamp(stmt.GetText("start_time"))
		if err != nil {
			return err
		}
		end, err := ParseTimestamp(stmt.GetText("end_time"))
		if err != nil {
			return err
		}
		batch.Trips = append(batch.Trips, CuratedTrip{
			UUID:             stmt.GetText("trip_uuid"),
			StartTime:        start,
			EndTime:          end,
			MemberType:       MemberType(stmt.GetText("member_type")),
			Duration:         parseNullableFloat(stmt.GetText("duration")),
			StartStationUUID: stmt.GetText("start_station_uuid"),
			EndStationUUID:   stmt.GetText("end_station_uuid"),
			BikeUUID:         stmt.GetText("bike_uuid"),
		})
		return nil
	})
	return batch, err
}

func batchFor(suffix string) (Batch, error) {
	yearText, monthText, ok := strings.Cut(suffix, "_")
	year, yearErr := strconv.Atoi(yearText)
	month, monthErr := strconv.Atoi(monthText)
	if !ok || yearErr != nil || monthErr != nil || month < 1 || month > 12 {
		return Batch{}, fmt.Errorf("bad month %q", suffix)
	}
	return Batch{Year: year, Month: time.Month(month)}, nil
}

func (s *Store) ReadWeather() ([]WeatherRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tables, err := listTables(s.db)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(tables, "weather") {
		return nil, nil
	}
	var out []WeatherRecord
	err = sqlitex.Exec(s.db, "SELECT * FROM weather ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		date, err := ParseTimestamp(stmt.GetText("date"))
		if err != nil {
			return err
		}
		values := make([]float64, len(WeatherVariables))
		for i, name := range WeatherVariables {
			values[i] = parseNullableFloat(stmt.GetText(name))
		}
		out = append(out, WeatherRecord{
			UUID:   stmt.GetText("weather_uuid"),
			Date:   date,
			City:   stmt.GetText("city"),
			Values: values,
		})
		return nil
	})
	return out, err
}

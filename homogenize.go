package bikecurate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

var ErrMissingInput = errors.New("missing input")

type MissingColumnError struct {
	Source string
	File   string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("%s: %s has no %s column", e.Source, e.File, e.Column)
}

func (e *MissingColumnError) Unwrap() error {
	return ErrMissingInput
}

// TripRecord is one trip in the canonical schema. Coordinates are kept as
// their source text because the precision filter inspects the digits.
type TripRecord struct {
	Source           string
	TripID           string
	Duration         float64 // seconds, NaN when the source has none
	StartTime        time.Time
	EndTime          time.Time
	StartStationID   string
	EndStationID     string
	StartLat         string
	StartLon         string
	EndLat           string
	EndLon           string
	StartStationName string
	EndStationName   string
	BikeID           string
	BikeType         string
	MemberType       string
}

type RawInput struct {
	Name   string
	Reader io.Reader
}

type HomogenizeCounts struct {
	Files             int
	EmptyFiles        int
	Rows              int
	BadTimestamps     int
	PlaceholderBikeID int
	Output            int
}

var requiredColumns = []string{
	"start_time", "end_time", "start_station_id", "end_station_id", "member_type",
}

var optionalColumns = []string{
	"trip_id", "duration", "start_lat", "start_lon", "end_lat", "end_lon",
	"start_station_name", "end_station_name", "bike_id", "bike_type",
}

// HomogenizeDir reads every file matching the source's glob under
// rawDir/<source dir>, in name order.
func HomogenizeDir(src *Source, rawDir string) ([]TripRecord, HomogenizeCounts, error) {
	dir := filepath.Join(rawDir, src.Dir)
	if _, err := os.Stat(dir); err != nil {
		return nil, HomogenizeCounts{}, fmt.Errorf("%w: %s raw data directory %s: %w", ErrMissingInput, src.Name, dir, err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, src.Glob))
	if err != nil {
		return nil, HomogenizeCounts{}, err
	}
	if len(paths) == 0 {
		return nil, HomogenizeCounts{}, fmt.Errorf("%w: no files matching %s in %s", ErrMissingInput, src.Glob, dir)
	}
	slices.Sort(paths)

	var out []TripRecord
	var counts HomogenizeCounts
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, counts, err
		}
		records, err := homogenizeInput(src, RawInput{Name: filepath.Base(path), Reader: f}, &counts)
		_ = f.Close()
		if err != nil {
			return nil, counts, err
		}
		out = append(out, records...)
	}
	finishHomogenize(out, &counts)
	slog.Info(fmt.Sprintf("Homogenized %d %s trips from %d files (%d rows, %d bad timestamps)",
		counts.Output, src.Name, counts.Files, counts.Rows, counts.BadTimestamps))
	return out, counts, nil
}

// Homogenize maps raw trip tables with any known historical column layout of
// the source onto the canonical schema. Output is ordered by start time.
func Homogenize(src *Source, inputs []RawInput) ([]TripRecord, HomogenizeCounts, error) {
	var out []TripRecord
	var counts HomogenizeCounts
	for _, input := range inputs {
		records, err := homogenizeInput(src, input, &counts)
		if err != nil {
			return nil, counts, err
		}
		out = append(out, records...)
	}
	finishHomogenize(out, &counts)
	return out, counts, nil
}

func finishHomogenize(records []TripRecord, counts *HomogenizeCounts) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTime.Before(records[j].StartTime)
	})
	counts.Output = len(records)
}

func homogenizeInput(src *Source, input RawInput, counts *HomogenizeCounts) ([]TripRecord, error) {
	counts.Files++

	rows, err := readRecords(input.Reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", input.Name, err)
	}
	if len(rows) <= 1 {
		slog.Info(fmt.Sprintf("Skipping %s: no rows", input.Name))
		counts.EmptyFiles++
		return nil, nil
	}

	df := dataframe.LoadRecords(rows,
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues(nil),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("load %s: %w", input.Name, df.Err)
	}
	slog.Debug(fmt.Sprintf("Homogenizing %s: %s", input.Name, strings.Join(df.Names(), ",")))

	for _, rule := range src.Renames {
		if HasColumn(df, rule.From) && !HasColumn(df, rule.To) {
			df = df.Rename(rule.To, rule.From)
			if df.Err != nil {
				return nil, fmt.Errorf("rename %s in %s: %w", rule.From, input.Name, df.Err)
			}
		}
	}

	columns := make(map[string][]string)
	for _, name := range requiredColumns {
		if !HasColumn(df, name) {
			return nil, &MissingColumnError{Source: src.Name, File: input.Name, Column: name}
		}
		columns[name] = columnValues(df, name)
	}
	for _, name := range optionalColumns {
		if HasColumn(df, name) {
			columns[name] = columnValues(df, name)
		}
	}
	get := func(name string, i int) string {
		if col, ok := columns[name]; ok {
			return col[i]
		}
		return ""
	}

	nrow := df.Nrow()
	counts.Rows += nrow
	out := make([]TripRecord, 0, nrow)
	for i := 0; i < nrow; i++ {
		start, startErr := ParseTimestamp(get("start_time", i))
		end, endErr := ParseTimestamp(get("end_time", i))
		if startErr != nil || endErr != nil {
			counts.BadTimestamps++
			continue
		}

		rec := TripRecord{
			Source:           src.Name,
			TripID:           get("trip_id", i),
			Duration:         parseDuration(get("duration", i), src.DurationInMinutes),
			StartTime:        start,
			EndTime:          end,
			StartStationID:   canonicalID(get("start_station_id", i)),
			EndStationID:     canonicalID(get("end_station_id", i)),
			StartLat:         get("start_lat", i),
			StartLon:         get("start_lon", i),
			EndLat:           get("end_lat", i),
			EndLon:           get("end_lon", i),
			StartStationName: get("start_station_name", i),
			EndStationName:   get("end_station_name", i),
			BikeID:           canonicalID(get("bike_id", i)),
			BikeType:         get("bike_type", i),
			MemberType:       get("member_type", i),
		}
		if rec.BikeID == "" && rec.BikeType != "" {
			if placeholder, ok := src.PlaceholderBikeIDs[rec.BikeType]; ok {
				rec.BikeID = placeholder
				counts.PlaceholderBikeID++
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// readRecords reads a whole CSV table, padding short rows so every row has
// as many fields as the header.
func readRecords(r io.Reader) ([][]string, error) {
	inputCSV := csv.NewReader(r)
	inputCSV.FieldsPerRecord = -1 // Allow variable numbers of fields
	inputCSV.LazyQuotes = true

	var rows [][]string
	for {
		row, err := inputCSV.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		header[i] = strings.TrimSpace(name)
	}
	for i := 1; i < len(rows); i++ {
		if len(rows[i]) < len(header) {
			padded := make([]string, len(header))
			copy(padded, rows[i])
			rows[i] = padded
		} else if len(rows[i]) > len(header) {
			rows[i] = rows[i][:len(header)]
		}
	}
	return rows, nil
}

func HasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func columnValues(df dataframe.DataFrame, name string) []string {
	col := df.Col(name)
	out := make([]string, col.Len())
	for i := range out {
		elem := col.Elem(i)
		if elem.IsNA() {
			continue
		}
		out[i] = strings.TrimSpace(elem.String())
	}
	return out
}

func parseDuration(v string, minutes bool) float64 {
	if v == "" {
		return math.NaN()
	}
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	if minutes {
		d *= 60
	}
	return d
}

// canonicalID renders integral numeric ids without a fractional part so
// "3005.0" and "3005" name the same entity.
func canonicalID(v string) string {
	if v == "" {
		return ""
	}
	if strings.ContainsAny(v, ".eE") {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatInt(int64(f), 10)
		}
	}
	return v
}

package bikecurate

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// WeatherVariables are the hourly Open-Meteo variables, in export order.
var WeatherVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"dew_point_2m",
	"apparent_temperature",
	"precipitation",
	"rain",
	"snowfall",
	"snow_depth",
	"weather_code",
	"pressure_msl",
	"surface_pressure",
	"cloud_cover",
	"cloud_cover_low",
	"cloud_cover_mid",
	"cloud_cover_high",
	"et0_fao_evapotranspiration",
	"vapour_pressure_deficit",
	"wind_speed_10m",
	"soil_temperature_0_to_7cm",
	"soil_moisture_0_to_7cm",
	"soil_temperature_7_to_28cm",
	"soil_moisture_7_to_28cm",
	"wind_speed_100m",
}

type WeatherRecord struct {
	UUID   string
	Date   time.Time // local wall time of the city
	City   string
	Values []float64 // indexed like WeatherVariables, NaN when missing
}

type WeatherInput struct {
	City   string
	Name   string
	Reader io.Reader
}

var utcOffsetPattern = regexp.MustCompile(`[+-]\d{2}:\d{2}$`)

// LoadWeather reads one city's hourly export. Timestamps carry the city's
// UTC offset, which is dropped to keep local wall time.
func LoadWeather(input WeatherInput) ([]WeatherRecord, error) {
	df := dataframe.ReadCSV(input.Reader,
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.WithLazyQuotes(true),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("load weather %s: %w", input.Name, df.Err)
	}
	for _, name := range append([]string{"date"}, WeatherVariables...) {
		if !HasColumn(df, name) {
			return nil, &MissingColumnError{Source: input.City, File: input.Name, Column: name}
		}
	}

	dates := df.Col("date")
	columns := make([]series.Series, len(WeatherVariables))
	for i, name := range WeatherVariables {
		columns[i] = df.Col(name)
	}

	out := make([]WeatherRecord, 0, df.Nrow())
	for i := 0; i < df.Nrow(); i++ {
		raw := utcOffsetPattern.ReplaceAllString(dates.Elem(i).String(), "")
		date, err := ParseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("weather %s row %d: %w", input.Name, i+1, err)
		}
		values := make([]float64, len(WeatherVariables))
		for j, col := range columns {
			values[j] = math.NaN()
			if elem := col.Elem(i); !elem.IsNA() {
				if v, err := strconv.ParseFloat(elem.String(), 64); err == nil {
					values[j] = v
				}
			}
		}
		out = append(out, WeatherRecord{Date: date, City: input.City, Values: values})
	}
	return out, nil
}

// AssembleWeather assigns ids in input order and returns the combined table
// ordered by date then city.
func AssembleWeather(inputs []WeatherInput) ([]WeatherRecord, error) {
	var all []WeatherRecord
	for _, input := range inputs {
		records, err := LoadWeather(input)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	gen := NewIDGenerator(WeatherSeed)
	for i := range all {
		all[i].UUID = gen.Next()
	}
	slices.SortStableFunc(all, func(a, b WeatherRecord) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.City, b.City)
	})
	return all, nil
}

func AssembleWeatherDir(rawDir string, sources []*Source) ([]WeatherRecord, error) {
	var inputs []WeatherInput
	for _, src := range sources {
		path := filepath.Join(rawDir, "OpenMeteo", src.WeatherFile)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: weather for %s: %w", ErrMissingInput, src.City, err)
		}
		defer func() { _ = f.Close() }()
		inputs = append(inputs, WeatherInput{City: src.City, Name: src.WeatherFile, Reader: f})
	}
	records, err := AssembleWeather(inputs)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("Assembled %d hourly weather rows for %d cities", len(records), len(inputs)))
	return records, nil
}

// WeatherIndex answers nearest-hour lookups per city.
type WeatherIndex struct {
	byCity map[string][]WeatherRecord
}

func NewWeatherIndex(records []WeatherRecord) *WeatherIndex {
	idx := &WeatherIndex{byCity: make(map[string][]WeatherRecord)}
	for _, r := range records {
		idx.byCity[r.City] = append(idx.byCity[r.City], r)
	}
	for _, rows := range idx.byCity {
		slices.SortStableFunc(rows, func(a, b WeatherRecord) int { return a.Date.Compare(b.Date) })
	}
	return idx
}

// Nearest returns the city's record closest in time to t, the earlier one
// when two are equally close.
func (w *WeatherIndex) Nearest(city string, t time.Time) (WeatherRecord, bool) {
	rows := w.byCity[city]
	if len(rows) == 0 {
		return WeatherRecord{}, false
	}
	i, _ := slices.BinarySearchFunc(rows, t, func(r WeatherRecord, t time.Time) int { return r.Date.Compare(t) })
	switch {
	case i == 0:
		return rows[0], true
	case i == len(rows):
		return rows[len(rows)-1], true
	}
	before, after := rows[i-1], rows[i]
	if t.Sub(before.Date) <= after.Date.Sub(t) {
		return before, true
	}
	return after, true
}

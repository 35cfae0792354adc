package bikecurate

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawMetroTripsCSV = `trip_id,duration,start_time,end_time,start_station,start_lat,start_lon,end_station,end_lat,end_lon,bike_id,plan_duration,trip_route_category,passholder_type,bike_type
1,10,2023-07-01 08:00:00,2023-07-01 08:10:00,3005,34.0485,-118.25854,3006,34.04554,-118.25667,16000,30,One Way,Monthly Pass,standard
2,5,2023-07-01 09:00:00,2023-07-01 09:05:00,3006,34.04554,-118.25667,3005,34.0485,-118.25854,16001,30,One Way,Walk-up,electric
3,20,2023-08-02 17:15:00,2023-08-02 17:35:00,3005,34.0485,-118.25854,3007,34.06,-118.24,16000,30,One Way,Walk-up,standard
`

const rawCapitalTripsCSV = `ride_id,rideable_type,started_at,ended_at,start_station_name,start_station_id,end_station_name,end_station_id,start_lat,start_lng,end_lat,end_lng,member_casual
ABC123,electric_bike,2023-07-01 10:00:00,2023-07-01 10:20:00,Eads St & 15th St S,31000,18th St & S Eads St,31001,38.8586124,-77.0534891,38.8570111,-77.0532332,casual
DEF456,classic_bike,2023-07-01 14:30:00,2023-07-01 14:45:00,18th St & S Eads St,31001,Eads St & 15th St S,31000,38.8570111,-77.0532332,38.8586124,-77.0534891,member
`

const rawCentroids = `{"22202": {"lat": 38.857, "lng": -77.053}}`

// downtownLA covers the metro stations and nothing in Washington.
const downtownLA = `{"type": "Polygon", "coordinates": [[[-118.3, 34.0], [-118.2, 34.0], [-118.2, 34.1], [-118.3, 34.1], [-118.3, 34.0]]]}`

// censusResponses renders saved ACS responses where every variable of a
// postal area is its base times the variable's position.
func censusResponses(t *testing.T, bases map[string]int) string {
	t.Helper()
	responses := make(map[string][][]any)
	for zip, base := range bases {
		header := []any{"NAME"}
		values := []any{"ZCTA5 " + zip}
		for i, v := range CensusVariables {
			header = append(header, v.Code)
			values = append(values, fmt.Sprint(base*(i+1)))
		}
		header = append(header, "zip code tabulation area")
		values = append(values, zip)
		responses[zip] = [][]any{header, values}
	}
	data, err := json.Marshal(responses)
	require.NoError(t, err)
	return string(data)
}

// writeRawData lays out a raw data directory for both sources and returns a
// config curating it into outDir.
func writeRawData(t *testing.T, outDir string) *Config {
	t.Helper()
	rawDir := testTempdir(t)
	writeRawFile(t, rawDir, "MetroBike/metro-trips-2023-q3.csv", rawMetroTripsCSV)
	writeRawFile(t, rawDir, "CapitalBike/202307-capitalbikeshare-tripdata.csv", rawCapitalTripsCSV)
	writeRawFile(t, rawDir, "CapitalBike/README.md", "not a trip file\n")
	writeRawFile(t, rawDir, "OpenMeteo/LosAngeles.csv",
		weatherCSV("-07:00", "2023-07-01T08:00", "2023-07-01T09:00", "2023-08-02T17:00"))
	writeRawFile(t, rawDir, "OpenMeteo/WashingtonDC.csv",
		weatherCSV("-04:00", "2023-07-01T10:00", "2023-07-01T14:00", "2023-07-01T15:00"))
	writeRawFile(t, rawDir, "geo/zcta.geojson", testZCTAs)
	writeRawFile(t, rawDir, "geo/centroids.json", rawCentroids)
	writeRawFile(t, rawDir, "census.json", censusResponses(t, map[string]int{"90071": 10, "90012": 20, "22202": 30}))

	return &Config{
		RawDataDir:          rawDir,
		CuratedDataDir:      outDir,
		DBPath:              filepath.Join(outDir, "curated.db"),
		ZCTAGeoJSONPath:     filepath.Join(rawDir, "geo/zcta.geojson"),
		ZipCentroidsPath:    filepath.Join(rawDir, "geo/centroids.json"),
		CentroidMaxKm:       2,
		GeocodeCacheSize:    64,
		GeocodeRetries:      2,
		CoordinateTolerance: 3,
		CensusResponsesPath: filepath.Join(rawDir, "census.json"),
		CensusRetries:       2,
		Workers:             2,
	}
}

func readExport(t *testing.T, dir, table string) [][]string {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, table+".csv"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func exportColumn(t *testing.T, rows [][]string, name string) []string {
	t.Helper()
	i := slices.Index(rows[0], name)
	require.NotEqual(t, -1, i, name)
	var out []string
	for _, row := range rows[1:] {
		out = append(out, row[i])
	}
	return out
}

func TestCurate(t *testing.T) {
	outDir := testTempdir(t)
	cfg := writeRawData(t, outDir)

	report, err := Curate(context.Background(), cfg, &CurateOpts{ExportDir: filepath.Join(outDir, "export")})
	require.NoError(t, err)

	assert.Equal(t, []string{"2023_07", "2023_08"}, report.Months)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 6, report.WeatherRows)
	assert.Equal(t, 5, report.Features.Output)
	assert.Equal(t, 3, report.Demographics.Resolved)
	require.Len(t, report.Sources, 2)
	assert.Equal(t, "metro", report.Sources[0].Source)
	assert.Equal(t, 3, report.Sources[0].Stations.Output)
	assert.Equal(t, 2, report.Sources[1].Stations.Output)

	exportDir := filepath.Join(outDir, "export")
	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	assert.ElementsMatch(t, []string{
		"bikes.csv", "demographics.csv", "features_2023_07.csv", "features_2023_08.csv",
		"stations.csv", "trips_2023_07.csv", "trips_2023_08.csv", "weather.csv",
	}, files)

	stations := readExport(t, exportDir, "stations")
	assert.Equal(t, []string{"3005", "3006", "3007", "31000", "31001"}, exportColumn(t, stations, "original_station_id"))
	for _, zip := range exportColumn(t, stations, "zip_code_uuid") {
		assert.NotEmpty(t, zip, "every station has a postal area")
	}

	demographics := readExport(t, exportDir, "demographics")
	assert.Equal(t, []string{"22202", "90012", "90071"}, exportColumn(t, demographics, "zip_code"))
	assert.Equal(t, []string{"30.0", "20.0", "10.0"}, exportColumn(t, demographics, CensusVariables[0].Name))

	bikes := readExport(t, exportDir, "bikes")
	assert.ElementsMatch(t, []string{"16000", "16001", "0000_classic", "0000_electric"}, exportColumn(t, bikes, "original_bike_id"))

	july := readExport(t, exportDir, "features_2023_07")
	assert.Len(t, july, 5)
	assert.Equal(t, []string{"08", "09", "10", "14"}, hours(exportColumn(t, july, "start_time")))
	for _, weather := range exportColumn(t, july, "weather_uuid") {
		assert.NotEmpty(t, weather)
	}
}

func hours(timestamps []string) []string {
	var out []string
	for _, ts := range timestamps {
		_, clock, _ := strings.Cut(ts, "T")
		out = append(out, clock[:2])
	}
	return out
}

func TestCurateSkipsOptionalTables(t *testing.T) {
	outDir := testTempdir(t)
	cfg := writeRawData(t, outDir)
	cfg.CensusResponsesPath = ""

	_, err := Curate(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrMissingInput, "demographics need census responses")

	report, err := Curate(context.Background(), cfg, &CurateOpts{
		Sources:          []*Source{MetroSource},
		SkipDemographics: true,
		SkipWeather:      true,
		ExportDir:        filepath.Join(outDir, "export"),
	})
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 3, report.Features.Output)

	assert.NoFileExists(t, filepath.Join(outDir, "export", "demographics.csv"))
	assert.NoFileExists(t, filepath.Join(outDir, "export", "weather.csv"))
	stations := readExport(t, filepath.Join(outDir, "export"), "stations")
	for _, zip := range exportColumn(t, stations, "zip_code_uuid") {
		assert.Empty(t, zip)
	}
}

func TestCurateInvalidConfig(t *testing.T) {
	cfg := writeRawData(t, testTempdir(t))
	cfg.Workers = 0
	_, err := Curate(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestStableOutput(t *testing.T) {
	var dirs []string
	for i := range 2 {
		outDir := testTempdir(t)
		cfg := writeRawData(t, outDir)
		exportDir := filepath.Join(outDir, fmt.Sprintf("export-%d", i))
		_, err := Curate(context.Background(), cfg, &CurateOpts{ExportDir: exportDir})
		require.NoError(t, err, "curate")
		dirs = append(dirs, exportDir)
	}
	assertExportsEqual(t, dirs[0], dirs[1])
}

func TestConcurrent(t *testing.T) {
	outDir := testTempdir(t)
	cfg := writeRawData(t, outDir)
	_, err := Curate(context.Background(), cfg, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := Export(cfg.DBPath, fmt.Sprintf("%s/export-%d", outDir, i), nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestFeaturesRecompute(t *testing.T) {
	outDir := testTempdir(t)
	cfg := writeRawData(t, outDir)
	_, err := Curate(context.Background(), cfg, &CurateOpts{ExportDir: outDir + "/before"})
	require.NoError(t, err)

	counts, err := Features(context.Background(), cfg.DBPath, &FeaturesOpts{Months: []string{"2023_07"}, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Output)

	counts, err = Features(context.Background(), cfg.DBPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Output)

	require.NoError(t, Export(cfg.DBPath, outDir+"/after", nil))
	assertExportsEqual(t, outDir+"/before", outDir+"/after")

	_, err = Features(context.Background(), cfg.DBPath, &FeaturesOpts{Months: []string{"2023_09"}})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestClip(t *testing.T) {
	outDir := testTempdir(t)
	cfg := writeRawData(t, outDir)
	_, err := Curate(context.Background(), cfg, nil)
	require.NoError(t, err)

	err = Clip(cfg.DBPath, outDir+"/clipped.db", downtownLA)
	require.NoError(t, err)

	err = Export(outDir+"/clipped.db", outDir+"/clipped", nil)
	require.NoError(t, err, "export")

	stations := readExport(t, outDir+"/clipped", "stations")
	assert.Equal(t, []string{"3005", "3006", "3007"}, exportColumn(t, stations, "original_station_id"))
	bikes := readExport(t, outDir+"/clipped", "bikes")
	assert.ElementsMatch(t, []string{"16000", "16001"}, exportColumn(t, bikes, "original_bike_id"))
	demographics := readExport(t, outDir+"/clipped", "demographics")
	assert.Equal(t, []string{"90012", "90071"}, exportColumn(t, demographics, "zip_code"))
	assert.Len(t, readExport(t, outDir+"/clipped", "trips_2023_07"), 3)
	assert.Len(t, readExport(t, outDir+"/clipped", "features_2023_07"), 3)
	assert.Len(t, readExport(t, outDir+"/clipped", "features_2023_08"), 2)

	issues, err := Import(outDir+"/clipped", outDir+"/reimported.db", nil)
	require.NoError(t, err)
	assert.Empty(t, issues)

	err = Clip(cfg.DBPath, outDir+"/bad.db", `{"type": "Polygon"}`)
	assert.Error(t, err)
}

func assertExportsEqual(t *testing.T, expected, actual string) {
	t.Helper()

	listFiles := func(dir string) []string {
		entries, err := os.ReadDir(dir)
		if err != nil {
			panic(err)
		}
		var files []string
		for _, entry := range entries {
			if !entry.IsDir() {
				files = append(files, entry.Name())
			}
		}
		return files
	}
	expectedFiles := listFiles(expected)
	actualFiles := listFiles(actual)

	var removedFiles []string
	for _, file := range expectedFiles {
		if !slices.Contains(actualFiles, file) {
			removedFiles = append(removedFiles, file)
		}
	}
	slices.Sort(removedFiles)
	var addedFiles []string
	for _, file := range actualFiles {
		if !slices.Contains(expectedFiles, file) {
			addedFiles = append(addedFiles, file)
		}
	}
	slices.Sort(addedFiles)
	var filesToCheck []string
	for _, file := range actualFiles {
		if !slices.Contains(removedFiles, file) && !slices.Contains(addedFiles, file) {
			filesToCheck = append(filesToCheck, file)
		}
	}
	slices.Sort(filesToCheck)

	var out strings.Builder

	if len(addedFiles) > 0 || len(removedFiles) > 0 {
		t.Fail()
	}
	for _, name := range addedFiles {
		fmt.Fprintf(&out, "ADDED FILE %s\n", name)
	}
	for _, name := range removedFiles {
		fmt.Fprintf(&out, "REMOVED FILE %s\n", name)
	}

	for _, file := range filesToCheck {
		expectedF, err := os.Open(filepath.Join(expected, file))
		if err != nil {
			panic(err)
		}
		actualF, err := os.Open(filepath.Join(actual, file))
		if err != nil {
			panic(err)
		}

		var baseColumns []string
		if schema, _, ok := schemaFor(strings.TrimSuffix(file, ".csv")); ok {
			baseColumns = schema.columnNames()
		}
		expectedContent, err := normalizeCSV(expectedF, baseColumns)
		if err != nil {
			panic(err)
		}
		actualContent, err := normalizeCSV(actualF, baseColumns)
		if err != nil {
			panic(err)
		}
		_ = expectedF.Close()
		_ = actualF.Close()

		edits := myers.ComputeEdits(span.URIFromPath(file), string(expectedContent), string(actualContent))
		if len(edits) > 0 {
			t.Fail()
			fmt.Fprint(&out, gotextdiff.ToUnified("expected/"+file, "actual/"+file, string(expectedContent), edits))
		}
	}

	if out.Len() > 0 {
		t.Log(expected, "!=", actual, "\n", out.String())
	}
}

func normalizeCSV(input io.Reader, baseColumns []string) ([]byte, error) {
	r := csv.NewReader(input)
	r.FieldsPerRecord = -1

	var out bytes.Buffer
	w := csv.NewWriter(&out)

	srcHeader, err := r.Read()
	if err != nil {
		return nil, err
	}

	headerOccurrences := make(map[string]int)
	for _, col := range srcHeader {
		headerOccurrences[col]++
	}
	for _, count := range headerOccurrences {
		if count > 1 {
			return nil, errors.New("normalizeCSV doesn't currently support duplicated column names")
		}
	}

	header := slices.Clone(srcHeader)
	for _, col := range baseColumns {
		if !slices.Contains(header, col) {
			header = append(header, col)
		}
	}
	slices.Sort(header)

	headerSort := make([]int, len(srcHeader))
	for srcI, col := range srcHeader {
		dstI := slices.Index(header, col)
		if dstI == -1 {
			panic("unreachable")
		}
		headerSort[srcI] = dstI
	}

	if err := w.Write(header); err != nil {
		return nil, err
	}

	for {
		srcRow, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}

		row := make([]string, len(header))
		for srcI := range srcRow {
			row[headerSort[srcI]] = srcRow[srcI]
		}

		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return out.Bytes(), w.Error()
}

func TestHelperNormalizeCSV(t *testing.T) {
	sample := "a,c,b\n1,3,2\n1,0,1"
	expected := "a,b,c,d\n1,2,3,\n1,1,0,\n"

	got, err := normalizeCSV(bytes.NewReader([]byte(sample)), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, expected, string(got))
}

func TestHelperAssertExportsEqual(t *testing.T) {
	dir := testTempdir(t)
	writeRawFile(t, dir, "stations.csv", importStationsCSV)
	assertExportsEqual(t, dir, dir)
}

package bikecurate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"time"

	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/stat"

	"github.com/dzfranklin/bikecurate/impute"
)

// ErrNoData means the demographic source has nothing for a postal area.
var ErrNoData = errors.New("no demographic data")

type CensusVariable struct {
	Code string
	Name string
}

// CensusYear is the ACS 5-year vintage the variables are requested for.
const CensusYear = 2023

var CensusVariables = []CensusVariable{
	{"B01001_001E", "population"},
	{"B01001_002E", "population_male"},
	{"B01001_026E", "population_female"},
	{"B01001A_001E", "population_white"},
	{"B01001B_001E", "population_black"},
	{"B01001C_001E", "population_american_indian_and_alaska_native"},
	{"B01001D_001E", "population_asian"},
	{"B01001E_001E", "population_native_hawaiian_and_other_pacific_islander"},
	{"B01001F_001E", "population_other_race"},
	{"B01001G_001E", "population_two_or_more_races"},
	{"B01001I_001E", "population_hipanic_or_latino"},
	{"B01002_001E", "median_age"},
	{"B01002_002E", "median_age_male"},
	{"B01002_003E", "median_age_female"},
	{"B06008_002E", "never_married"},
	{"B06008_003E", "married"},
	{"B06008_004E", "divorced"},
	{"B06008_005E", "separated"},
	{"B06008_006E", "widowed"},
	{"B06010_002E", "individual_no_income"},
	{"B06010_003E", "individual_with_income"},
	{"B08006_002E", "transportation_work_car_truck_van"},
	{"B08006_008E", "transportation_work_public_transportation"},
	{"B08006_014E", "transportation_work_bicycle"},
	{"B08006_015E", "transportation_work_walked"},
	{"B08006_016E", "transportation_work_taxicab_motorcycle_or_other_means"},
	{"B08006_017E", "transportation_work_home_office"},
	{"B19001_002E", "household_income_1_to_9999"},
	{"B19001_003E", "household_income_10000_to_14999"},
	{"B19001_004E", "household_income_15000_to_19999"},
	{"B19001_005E", "household_income_20000_to_24999"},
	{"B19001_006E", "household_income_25000_to_29999"},
	{"B19001_007E", "household_income_30000_to_34999"},
	{"B19001_008E", "household_income_35000_to_39999"},
	{"B19001_009E", "household_income_40000_to_44999"},
	{"B19001_010E", "household_income_45000_to_49999"},
	{"B19001_011E", "household_income_50000_to_59999"},
	{"B19001_012E", "household_income_60000_to_74999"},
	{"B19001_013E", "household_income_75000_to_99999"},
	{"B19001_014E", "household_income_100000_to_124999"},
	{"B19001_015E", "household_income_125000_to_149999"},
	{"B19001_016E", "household_income_150000_to_199999"},
	{"B19001_017E", "household_income_200000_to_more"},
	{"B19013_001E", "median_household_income"},
}

// DemographicSource returns indicator values for a postal area keyed by
// variable code. Missing values are NaN.
type DemographicSource interface {
	Demographics(ctx context.Context, zip string, codes []string) (map[string]float64, error)
}

// CensusResponseFile answers from a JSON object of saved ACS responses keyed
// by postal area. Each response has the API's shape: a header row followed
// by a value row.
type CensusResponseFile struct {
	responses gjson.Result
}

func NewCensusResponseFile(data string) (*CensusResponseFile, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("parse census responses: invalid json")
	}
	return &CensusResponseFile{responses: gjson.Parse(data)}, nil
}

func LoadCensusResponseFile(path string) (*CensusResponseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading census responses: %w", err)
	}
	return NewCensusResponseFile(string(data))
}

func (f *CensusResponseFile) Demographics(ctx context.Context, zip string, codes []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := f.responses.Get(gjson.Escape(zip))
	if !resp.Exists() || !resp.IsArray() {
		return nil, ErrNoData
	}
	rows := resp.Array()
	if len(rows) < 2 {
		return nil, ErrNoData
	}
	header := rows[0].Array()
	values := rows[1].Array()

	byCode := make(map[string]gjson.Result, len(header))
	for i, h := range header {
		if i < len(values) {
			byCode[h.String()] = values[i]
		}
	}
	out := make(map[string]float64, len(codes))
	for _, code := range codes {
		v, ok := byCode[code]
		if !ok || v.Type == gjson.Null {
			out[code] = math.NaN()
			continue
		}
		out[code] = v.Float()
	}
	return out, nil
}

type DemographicRow struct {
	UUID    string
	ZipCode string
	Values  []float64 // indexed like CensusVariables
}

type DemographicTable struct {
	Rows []DemographicRow
}

type DemographicOpts struct {
	Retry RetryOpts
	// Nil uses impute.NewIterativeImputer with a Bayesian ridge estimator.
	Imputer impute.Imputer
}

type DemographicCounts struct {
	ZipCodes    int
	Resolved    int
	Failed      int
	ZeroRows    int
	Sentinels   int
	Imputed     int
	MedianRows  int
	FailedCodes []string
}

// BuildDemographics looks up every distinct postal area once. Areas the
// source cannot answer get the column medians of the answered ones, then
// every hidden value is imputed.
func BuildDemographics(ctx context.Context, source DemographicSource, zips []string, opts *DemographicOpts) (*DemographicTable, DemographicCounts, error) {
	if opts == nil {
		opts = &DemographicOpts{}
	}
	imputer := opts.Imputer
	if imputer == nil {
		imputer = impute.NewIterativeImputer(nil)
	}

	distinct := make([]string, 0, len(zips))
	for _, zip := range zips {
		if zip = NormalizeZipCode(zip); zip != "" {
			distinct = append(distinct, zip)
		}
	}
	slices.SortFunc(distinct, compareNaturalIDs)
	distinct = slices.Compact(distinct)

	codes := make([]string, len(CensusVariables))
	for i, v := range CensusVariables {
		codes[i] = v.Code
	}

	counts := DemographicCounts{ZipCodes: len(distinct)}
	var rows []DemographicRow
	var failed []string
	for _, zip := range distinct {
		values, err := fetchDemographics(ctx, source, zip, codes, opts.Retry)
		if err != nil {
			if ctx.Err() != nil {
				return nil, counts, ctx.Err()
			}
			slog.Warn(fmt.Sprintf("No demographic data for %s: %s", zip, err))
			failed = append(failed, zip)
			continue
		}
		row := DemographicRow{ZipCode: zip, Values: make([]float64, len(codes))}
		for i, code := range codes {
			v, ok := values[code]
			if !ok {
				v = math.NaN()
			} else if v < 0 {
				// Negative values are the API's markers for hidden or
				// unavailable estimates.
				counts.Sentinels++
				v = math.NaN()
			}
			row.Values[i] = v
		}
		rows = append(rows, row)
	}
	counts.Resolved = len(rows)
	counts.Failed = len(failed)
	counts.FailedCodes = failed

	medians := columnMedians(rows, len(codes))
	for _, zip := range failed {
		rows = append(rows, DemographicRow{ZipCode: zip, Values: slices.Clone(medians)})
		counts.MedianRows++
	}

	gen := NewIDGenerator(DemographicSeed)
	for i := range rows {
		rows[i].UUID = gen.Next()
	}

	// Areas where nobody lives report zero everywhere, and their hidden
	// values are zero too.
	matrix := make([][]float64, 0, len(rows))
	for i := range rows {
		sum := 0.0
		for _, v := range rows[i].Values {
			if !math.IsNaN(v) {
				sum += v
			}
		}
		if sum == 0 {
			counts.ZeroRows++
			for j, v := range rows[i].Values {
				if math.IsNaN(v) {
					rows[i].Values[j] = 0
				}
			}
		}
		matrix = append(matrix, rows[i].Values)
	}

	for _, row := range matrix {
		for _, v := range row {
			if math.IsNaN(v) {
				counts.Imputed++
			}
		}
	}
	if counts.Imputed > 0 {
		filled, err := imputer.Impute(matrix)
		if err != nil {
			return nil, counts, fmt.Errorf("impute demographics: %w", err)
		}
		for i := range rows {
			rows[i].Values = filled[i]
		}
	}

	slog.Info(fmt.Sprintf("Built demographics for %d postal areas (%d from source, %d medians, %d values imputed)",
		len(rows), counts.Resolved, counts.MedianRows, counts.Imputed))
	return &DemographicTable{Rows: rows}, counts, nil
}

func fetchDemographics(ctx context.Context, source DemographicSource, zip string, codes []string, retry RetryOpts) (map[string]float64, error) {
	attempts := max(retry.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		values, err := source.Demographics(ctx, zip, codes)
		if err == nil {
			return values, nil
		}
		lastErr = err
		if errors.Is(err, ErrNoData) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < attempts && retry.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.Delay):
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// columnMedians ignores missing values. A column with no observed value has
// a NaN median and is left to the imputer.
func columnMedians(rows []DemographicRow, width int) []float64 {
	medians := make([]float64, width)
	for j := range medians {
		var observed []float64
		for _, row := range rows {
			if v := row.Values[j]; !math.IsNaN(v) {
				observed = append(observed, v)
			}
		}
		medians[j] = median(observed)
	}
	return medians
}

// median averages the two middle values of an even-length sample.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}

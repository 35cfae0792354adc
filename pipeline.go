package bikecurate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

type CurateOpts struct {
	// Nil curates every built-in source.
	Sources          []*Source
	SkipDemographics bool
	SkipWeather      bool
	ForceValid       bool
	IgnoreInvalid    bool
	// ExportDir, when set, receives a CSV of every table once curation succeeds.
	ExportDir string
	// Demographics overrides the census response file named by the config.
	Demographics DemographicSource
}

type SourceReport struct {
	Source     string
	Homogenize HomogenizeCounts
	Stations   StationCounts
	Bikes      BikeCounts
	Trips      TripCounts
}

type Report struct {
	Sources      []SourceReport
	Demographics DemographicCounts
	Features     FeatureCounts
	Months       []string
	WeatherRows  int
	Issues       []string
}

func (c *FeatureCounts) add(o FeatureCounts) {
	c.Input += o.Input
	c.MissingStation += o.MissingStation
	c.NonPositiveElapsed += o.NonPositiveElapsed
	c.TooFast += o.TooFast
	c.Output += o.Output
}

// Curate runs the whole pipeline from the raw operator files under
// cfg.RawDataDir to a curated database at cfg.DBPath.
func Curate(ctx context.Context, cfg *Config, opts *CurateOpts) (*Report, error) {
	if cfg == nil {
		panic("Missing cfg")
	}
	if opts == nil {
		opts = &CurateOpts{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sources := opts.Sources
	if sources == nil {
		sources = Sources
	}

	slog.Info(fmt.Sprintf("Curating %d sources from %s into %s", len(sources), cfg.RawDataDir, cfg.DBPath))

	geocoder, err := cfg.Geocoder()
	if err != nil {
		return nil, err
	}
	if geocoder == nil {
		slog.Warn("No geocoder configured, stations will have no postal area")
	}
	stationOpts := &StationOpts{
		Geocoder:  geocoder,
		Retry:     RetryOpts{Attempts: cfg.GeocodeRetries, Delay: cfg.GeocodeDelay},
		Tolerance: cfg.CoordinateTolerance,
	}

	report := &Report{}
	var stations []Station
	var bikes []Bike
	var trips []Trip
	for _, src := range sources {
		records, hc, err := HomogenizeDir(src, cfg.RawDataDir)
		if err != nil {
			return nil, err
		}
		srcStations, sc, err := ResolveStations(ctx, src, records, stationOpts)
		if err != nil {
			return nil, err
		}
		srcBikes, bc := ResolveBikes(src, records)
		srcTrips, tc := TrackableTrips(src, records, srcStations, srcBikes)

		stations = append(stations, srcStations...)
		bikes = append(bikes, srcBikes...)
		trips = append(trips, srcTrips...)
		report.Sources = append(report.Sources, SourceReport{
			Source:     src.Name,
			Homogenize: hc,
			Stations:   sc,
			Bikes:      bc,
			Trips:      tc,
		})
	}

	var demographics *DemographicTable
	if opts.SkipDemographics {
		for i := range stations {
			stations[i].ZipCodeUUID = ""
		}
	} else {
		source := opts.Demographics
		if source == nil {
			if cfg.CensusResponsesPath == "" {
				return nil, fmt.Errorf("%w: no census responses configured", ErrMissingInput)
			}
			source, err = LoadCensusResponseFile(cfg.CensusResponsesPath)
			if err != nil {
				return nil, err
			}
		}
		var zips []string
		for _, st := range stations {
			if st.ZipCode != "" {
				zips = append(zips, st.ZipCode)
			}
		}
		demographics, report.Demographics, err = BuildDemographics(ctx, source, zips, &DemographicOpts{
			Retry: RetryOpts{Attempts: cfg.CensusRetries, Delay: cfg.GeocodeDelay},
		})
		if err != nil {
			return nil, err
		}
		stations, err = MapStationZipCodes(stations, demographics)
		if err != nil {
			return nil, err
		}
	}

	curated, err := MapTripKeys(AssignTripIDs(trips, TripSeed), stations, bikes)
	if err != nil {
		return nil, err
	}
	batches := PartitionByMonth(curated)

	var weather []WeatherRecord
	if !opts.SkipWeather {
		weather, err = AssembleWeatherDir(cfg.RawDataDir, sources)
		if err != nil {
			return nil, err
		}
		report.WeatherRows = len(weather)
	}

	store, err := CreateStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	if err := store.WriteBikes(bikes); err != nil {
		return nil, err
	}
	if demographics != nil {
		if err := store.WriteDemographics(demographics); err != nil {
			return nil, err
		}
	}
	if err := store.WriteStations(stations); err != nil {
		return nil, err
	}
	if weather != nil {
		if err := store.WriteWeather(weather); err != nil {
			return nil, err
		}
	}
	for _, batch := range batches {
		if err := store.WriteTrips(batch); err != nil {
			return nil, err
		}
		report.Months = append(report.Months, batch.Suffix())
	}

	var weatherIndex *WeatherIndex
	if weather != nil {
		weatherIndex = NewWeatherIndex(weather)
	}
	featureCounts, err := engineerBatches(ctx, store, batches, stations, weatherIndex, cfg.Workers)
	if err != nil {
		return nil, err
	}
	report.Features = featureCounts

	report.Issues, err = store.Audit(&AuditOpts{ForceValid: opts.ForceValid, IgnoreInvalid: opts.IgnoreInvalid})
	if err != nil {
		return report, err
	}

	err = store.Close()
	store = nil
	if err != nil {
		return nil, err
	}

	if opts.ExportDir != "" {
		if err := Export(cfg.DBPath, opts.ExportDir, nil); err != nil {
			return report, err
		}
	}

	slog.Info(fmt.Sprintf("Curated %d trips across %d months", report.Features.Output, len(report.Months)))
	return report, nil
}

// engineerBatches derives and writes the features table of every batch,
// running up to workers batches at once.
func engineerBatches(ctx context.Context, store *Store, batches []Batch, stations []Station, weather *WeatherIndex, workers int) (FeatureCounts, error) {
	var mu sync.Mutex
	var total FeatureCounts

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, batch := range batches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, counts := EngineerFeatures(batch, stations, weather)
			if err := store.WriteFeatures(batch.Suffix(), rows); err != nil {
				return fmt.Errorf("features for %s: %w", batch.Suffix(), err)
			}
			mu.Lock()
			total.add(counts)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FeatureCounts{}, err
	}
	return total, nil
}

type FeaturesOpts struct {
	// Months are YYYY_MM suffixes. Empty recomputes every stored month.
	Months  []string
	Workers int
}

// Features recomputes the features tables of an existing curated database
// from its stored trips, stations and weather.
func Features(ctx context.Context, dbPath string, opts *FeaturesOpts) (FeatureCounts, error) {
	if dbPath == "" {
		panic("Missing dbPath")
	}
	if opts == nil {
		opts = &FeaturesOpts{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	store, err := OpenStore(dbPath)
	if err != nil {
		return FeatureCounts{}, err
	}
	defer func() { _ = store.Close() }()

	stored, err := store.Months()
	if err != nil {
		return FeatureCounts{}, err
	}
	months := opts.Months
	if len(months) == 0 {
		months = stored
	}
	for _, month := range months {
		if !slices.Contains(stored, month) {
			return FeatureCounts{}, fmt.Errorf("%w: no trips stored for %s", ErrMissingInput, month)
		}
	}

	stations, err := store.ReadStations()
	if err != nil {
		return FeatureCounts{}, err
	}
	weather, err := store.ReadWeather()
	if err != nil {
		return FeatureCounts{}, err
	}
	var weatherIndex *WeatherIndex
	if weather != nil {
		weatherIndex = NewWeatherIndex(weather)
	}

	batches := make([]Batch, 0, len(months))
	for _, month := range months {
		batch, err := store.ReadBatch(month)
		if err != nil {
			return FeatureCounts{}, err
		}
		batches = append(batches, batch)
	}

	counts, err := engineerBatches(ctx, store, batches, stations, weatherIndex, workers)
	if err != nil {
		return FeatureCounts{}, err
	}
	return counts, store.Close()
}

package bikecurate

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RawDataDir     string
	CuratedDataDir string
	DBPath         string

	// Geocoding inputs. Both optional; when set the polygons are tried first.
	ZCTAGeoJSONPath     string
	ZipCentroidsPath    string
	CentroidMaxKm       float64
	GeocodeCacheSize    int
	GeocodeRetries      int
	GeocodeDelay        time.Duration
	CoordinateTolerance float64
	CensusResponsesPath string
	CensusRetries       int
	Workers             int
}

// LoadConfig reads envFile, if it exists, into the environment and builds
// the config from BIKECURATE_* variables.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var errs []error
	intEnv := func(key string, fallback int) int {
		v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	floatEnv := func(key string, fallback float64) float64 {
		v, err := strconv.ParseFloat(getEnv(key, strconv.FormatFloat(fallback, 'f', -1, 64)), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		RawDataDir:          getEnv("BIKECURATE_RAW_DATA", "data/raw"),
		CuratedDataDir:      getEnv("BIKECURATE_CURATED_DATA", "data/curated"),
		DBPath:              getEnv("BIKECURATE_DB", "curated.db"),
		ZCTAGeoJSONPath:     getEnv("BIKECURATE_ZCTA_GEOJSON", ""),
		ZipCentroidsPath:    getEnv("BIKECURATE_ZIP_CENTROIDS", ""),
		CentroidMaxKm:       floatEnv("BIKECURATE_CENTROID_MAX_KM", 5),
		GeocodeCacheSize:    intEnv("BIKECURATE_GEOCODE_CACHE", 4096),
		GeocodeRetries:      intEnv("BIKECURATE_GEOCODE_RETRIES", DefaultGeocodeRetry.Attempts),
		GeocodeDelay:        time.Duration(intEnv("BIKECURATE_GEOCODE_DELAY_MS", int(DefaultGeocodeRetry.Delay/time.Millisecond))) * time.Millisecond,
		CoordinateTolerance: floatEnv("BIKECURATE_COORD_TOLERANCE", DefaultCoordinateTolerance),
		CensusResponsesPath: getEnv("BIKECURATE_CENSUS_RESPONSES", ""),
		CensusRetries:       intEnv("BIKECURATE_CENSUS_RETRIES", 3),
		Workers:             intEnv("BIKECURATE_WORKERS", 4),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key string, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func (c *Config) Validate() error {
	var errs []error
	if c.RawDataDir == "" {
		errs = append(errs, errors.New("raw data directory is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.GeocodeRetries <= 0 {
		errs = append(errs, fmt.Errorf("geocode retries must be positive, got %d", c.GeocodeRetries))
	}
	if c.CensusRetries <= 0 {
		errs = append(errs, fmt.Errorf("census retries must be positive, got %d", c.CensusRetries))
	}
	if c.GeocodeDelay < 0 {
		errs = append(errs, fmt.Errorf("geocode delay must not be negative, got %s", c.GeocodeDelay))
	}
	if c.CoordinateTolerance < 0 {
		errs = append(errs, fmt.Errorf("coordinate tolerance must not be negative, got %g", c.CoordinateTolerance))
	}
	if c.GeocodeCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("geocode cache size must be positive, got %d", c.GeocodeCacheSize))
	}
	return errors.Join(errs...)
}

// Geocoder builds the configured geocoder chain, or nil when none is
// configured.
func (c *Config) Geocoder() (Geocoder, error) {
	var chain []Geocoder
	if c.ZCTAGeoJSONPath != "" {
		data, err := os.ReadFile(c.ZCTAGeoJSONPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMissingInput, err)
		}
		g, err := NewZCTAGeocoder(string(data))
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}
	if c.ZipCentroidsPath != "" {
		data, err := os.ReadFile(c.ZipCentroidsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMissingInput, err)
		}
		g, err := NewCentroidGeocoder(string(data), c.CentroidMaxKm)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return NewCachedGeocoder(FirstOf(chain...), c.GeocodeCacheSize), nil
}

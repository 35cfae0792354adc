package bikecurate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"BIKECURATE_RAW_DATA",
	"BIKECURATE_CURATED_DATA",
	"BIKECURATE_DB",
	"BIKECURATE_ZCTA_GEOJSON",
	"BIKECURATE_ZIP_CENTROIDS",
	"BIKECURATE_CENTROID_MAX_KM",
	"BIKECURATE_GEOCODE_CACHE",
	"BIKECURATE_GEOCODE_RETRIES",
	"BIKECURATE_GEOCODE_DELAY_MS",
	"BIKECURATE_COORD_TOLERANCE",
	"BIKECURATE_CENSUS_RESPONSES",
	"BIKECURATE_CENSUS_RETRIES",
	"BIKECURATE_WORKERS",
}

// unsetConfigEnv clears every config variable for the duration of the test,
// including any a .env file sets.
func unsetConfigEnv(t *testing.T) {
	for _, key := range configKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	unsetConfigEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{
		RawDataDir:          "data/raw",
		CuratedDataDir:      "data/curated",
		DBPath:              "curated.db",
		CentroidMaxKm:       5,
		GeocodeCacheSize:    4096,
		GeocodeRetries:      5,
		GeocodeDelay:        time.Millisecond,
		CoordinateTolerance: 3,
		CensusRetries:       3,
		Workers:             4,
	}, cfg)
	assert.NoError(t, cfg.Validate())

	geocoder, err := cfg.Geocoder()
	require.NoError(t, err)
	assert.Nil(t, geocoder)
}

func TestLoadConfigEnvFile(t *testing.T) {
	unsetConfigEnv(t)
	dir := testTempdir(t)
	envFile := filepath.Join(dir, ".env")
	writeRawFile(t, dir, ".env", "BIKECURATE_RAW_DATA=/srv/raw\nBIKECURATE_WORKERS=8\nBIKECURATE_GEOCODE_DELAY_MS=250\n")
	t.Setenv("BIKECURATE_RAW_DATA", "/data/raw")

	cfg, err := LoadConfig(envFile)
	require.NoError(t, err)
	assert.Equal(t, "/data/raw", cfg.RawDataDir, "the environment wins over the file")
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.GeocodeDelay)

	_, err = LoadConfig(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestLoadConfigBadNumbers(t *testing.T) {
	unsetConfigEnv(t)
	t.Setenv("BIKECURATE_WORKERS", "many")
	t.Setenv("BIKECURATE_CENTROID_MAX_KM", "far")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BIKECURATE_WORKERS")
	assert.Contains(t, err.Error(), "BIKECURATE_CENTROID_MAX_KM")
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{GeocodeDelay: -time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	for _, msg := range []string{
		"raw data directory is required",
		"database path is required",
		"workers must be positive",
		"geocode delay must not be negative",
	} {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestConfigGeocoder(t *testing.T) {
	dir := testTempdir(t)
	writeRawFile(t, dir, "zcta.geojson", testZCTAs)
	writeRawFile(t, dir, "centroids.json", testCentroids)

	cfg := &Config{
		ZCTAGeoJSONPath:  filepath.Join(dir, "zcta.geojson"),
		ZipCentroidsPath: filepath.Join(dir, "centroids.json"),
		CentroidMaxKm:    2,
		GeocodeCacheSize: 16,
	}
	geocoder, err := cfg.Geocoder()
	require.NoError(t, err)
	require.NotNil(t, geocoder)

	zip, err := geocoder.ZipCode(context.Background(), 34.06, -118.24)
	require.NoError(t, err)
	assert.Equal(t, "90012", zip)
	zip, err = geocoder.ZipCode(context.Background(), 38.8970, -77.0370)
	require.NoError(t, err)
	assert.Equal(t, "20500", zip)

	cfg.ZCTAGeoJSONPath = filepath.Join(dir, "missing.geojson")
	_, err = cfg.Geocoder()
	assert.ErrorIs(t, err, ErrMissingInput)
}

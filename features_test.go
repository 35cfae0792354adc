package bikecurate

import (
	"testing"
	"time"

	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversine(t *testing.T) {
	assert.Equal(t, 0.0, Haversine(34.05, -118.24, 34.05, -118.24))
	assert.InDelta(t, 111.195, Haversine(0, 0, 1, 0), 0.001)
	assert.InDelta(t, 111.195, Haversine(0, 0, 0, 1), 0.001)
	assert.InDelta(t, Haversine(34.05, -118.24, 38.91, -77.07), Haversine(38.91, -77.07, 34.05, -118.24), 1e-9)
	// Los Angeles to Washington
	assert.InDelta(t, 3690, Haversine(34.059753, -118.2375, 38.910366, -77.07251), 20)
}

func TestHaversineMatchesS2(t *testing.T) {
	pairs := [][4]float64{
		{34.0, -118.25, 34.03, -118.25},
		{38.8586124, -77.0534891, 38.9000001, -77.0300001},
		{34.059753, -118.2375, 38.910366, -77.07251},
		{-33.8688, 151.2093, 51.5072, -0.1276},
	}
	for _, p := range pairs {
		want := s2.LatLngFromDegrees(p[0], p[1]).Distance(s2.LatLngFromDegrees(p[2], p[3])).Radians() * EarthRadiusKm
		assert.InEpsilon(t, want, Haversine(p[0], p[1], p[2], p[3]), 1e-9)
	}
}

func TestSeasonOf(t *testing.T) {
	want := map[time.Month]Season{
		time.January: Winter, time.February: Winter, time.March: Spring,
		time.April: Spring, time.May: Spring, time.June: Summer,
		time.July: Summer, time.August: Summer, time.September: Autumn,
		time.October: Autumn, time.November: Autumn, time.December: Winter,
	}
	for m, season := range want {
		assert.Equal(t, season, SeasonOf(m), m.String())
	}
}

func TestCategories(t *testing.T) {
	assert.Equal(t, 0, DurationCategory(299.9))
	assert.Equal(t, 1, DurationCategory(300))
	assert.Equal(t, 1, DurationCategory(599))
	assert.Equal(t, 2, DurationCategory(600))

	assert.Equal(t, 0, DistanceCategory(0))
	assert.Equal(t, 0, DistanceCategory(1.99))
	assert.Equal(t, 1, DistanceCategory(2))
	assert.Equal(t, 1, DistanceCategory(3.99))
	assert.Equal(t, 2, DistanceCategory(4))
}

func TestDayOfWeek(t *testing.T) {
	monday := time.Date(2023, 7, 3, 12, 0, 0, 0, time.UTC)
	for i := range 7 {
		assert.Equal(t, i, DayOfWeek(monday.AddDate(0, 0, i)))
	}
}

func featureStations() []Station {
	return []Station{
		{UUID: "a", Source: "metro", OriginalID: "1", Latitude: 34.0, Longitude: -118.25, City: "Los Angeles"},
		{UUID: "b", Source: "metro", OriginalID: "2", Latitude: 34.03, Longitude: -118.25, City: "Los Angeles"},
		{UUID: "c", Source: "metro", OriginalID: "3", Latitude: 35.0, Longitude: -118.25, City: "Los Angeles"},
	}
}

func featureTrip(id, from, to string, start time.Time, elapsed time.Duration) CuratedTrip {
	return CuratedTrip{
		UUID:             id,
		StartTime:        start,
		EndTime:          start.Add(elapsed),
		MemberType:       Member,
		Duration:         12345, // ignored
		StartStationUUID: from,
		EndStationUUID:   to,
		BikeUUID:         "bike",
	}
}

func TestEngineerFeatures(t *testing.T) {
	// a Saturday afternoon
	start := time.Date(2023, 7, 1, 14, 30, 0, 0, time.UTC)
	batch := Batch{Year: 2023, Month: time.July, Trips: []CuratedTrip{
		featureTrip("ok", "a", "b", start, 8*time.Minute),
		featureTrip("round-trip", "a", "a", start, 40*time.Minute),
		featureTrip("too-fast", "a", "c", start, 10*time.Minute),
		featureTrip("backwards", "a", "b", start, -time.Minute),
		featureTrip("instant", "a", "b", start, 0),
		featureTrip("lost", "a", "z", start, 8*time.Minute),
	}}

	rows, counts := EngineerFeatures(batch, featureStations(), nil)
	assert.Equal(t, FeatureCounts{
		Input:              6,
		MissingStation:     1,
		NonPositiveElapsed: 2,
		TooFast:            1,
		Output:             2,
	}, counts)
	require.Len(t, rows, 2)

	row := rows[0]
	assert.Equal(t, "ok", row.Trip.UUID)
	assert.Equal(t, 480.0, row.Trip.Duration, "duration is recomputed from the timestamps")
	assert.Equal(t, "a", row.Start.UUID)
	assert.Equal(t, "b", row.End.UUID)
	assert.Equal(t, 1, row.DurationCategory)
	assert.Equal(t, 14, row.HourOfDay)
	assert.Equal(t, 3, row.HourCategory)
	assert.Equal(t, 5, row.DayOfWeek)
	assert.True(t, row.IsWeekend)
	assert.Equal(t, 7, row.Month)
	assert.Equal(t, Summer, row.Season)
	assert.InDelta(t, 3.336, row.DistanceKm, 0.001)
	assert.InDelta(t, 25.02, row.AverageSpeedKmh, 0.01)
	assert.Equal(t, 1, row.DistanceCategory)
	assert.Equal(t, "", row.WeatherUUID)

	roundTrip := rows[1]
	assert.Equal(t, 0.0, roundTrip.DistanceKm)
	assert.Equal(t, 0.0, roundTrip.AverageSpeedKmh)
	assert.Equal(t, 0, roundTrip.DistanceCategory)
	assert.Equal(t, 2, roundTrip.DurationCategory)
}

func TestEngineerFeaturesSpeedCeiling(t *testing.T) {
	start := time.Date(2023, 1, 2, 7, 0, 0, 0, time.UTC)
	stations := featureStations()
	distance := Haversine(stations[0].Latitude, stations[0].Longitude, stations[1].Latitude, stations[1].Longitude)

	atLimit := time.Duration(distance / MaxSpeedKmh * float64(time.Hour))
	batch := Batch{Year: 2023, Month: time.January, Trips: []CuratedTrip{
		featureTrip("under", "a", "b", start, atLimit+time.Second),
		featureTrip("over", "a", "b", start, atLimit-time.Second),
	}}
	rows, counts := EngineerFeatures(batch, stations, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "under", rows[0].Trip.UUID)
	assert.Equal(t, 1, counts.TooFast)
	assert.LessOrEqual(t, rows[0].AverageSpeedKmh, MaxSpeedKmh)
	assert.Equal(t, Winter, rows[0].Season)
	assert.False(t, rows[0].IsWeekend)
}

func TestAverageSpeedAtCeilingIsKept(t *testing.T) {
	// 25 km in half an hour
	assert.Equal(t, MaxSpeedKmh, AverageSpeedKmh(25, 1800))
	assert.True(t, PlausibleSpeed(AverageSpeedKmh(25, 1800)))
	assert.False(t, PlausibleSpeed(AverageSpeedKmh(25, 1799)))
	assert.Equal(t, 0.0, AverageSpeedKmh(0, 1800))
	assert.Equal(t, 25.0, AverageSpeedKmh(5, 720))
}

func TestEngineerFeaturesEmptyBatch(t *testing.T) {
	rows, counts := EngineerFeatures(Batch{Year: 2023, Month: time.March}, featureStations(), nil)
	assert.Empty(t, rows)
	assert.Equal(t, FeatureCounts{}, counts)
}

func TestEngineerFeaturesWeather(t *testing.T) {
	hour := func(h int) time.Time { return time.Date(2023, 7, 1, h, 0, 0, 0, time.UTC) }
	weather := NewWeatherIndex([]WeatherRecord{
		{UUID: "la-14", Date: hour(14), City: "Los Angeles"},
		{UUID: "la-15", Date: hour(15), City: "Los Angeles"},
		{UUID: "dc-14", Date: hour(14), City: "Washington D.C."},
	})
	batch := Batch{Year: 2023, Month: time.July, Trips: []CuratedTrip{
		featureTrip("half-past", "a", "b", hour(14).Add(30*time.Minute), 10*time.Minute),
		featureTrip("quarter-to", "a", "b", hour(14).Add(45*time.Minute), 10*time.Minute),
	}}
	rows, _ := EngineerFeatures(batch, featureStations(), weather)
	require.Len(t, rows, 2)
	assert.Equal(t, "la-14", rows[0].WeatherUUID, "ties go to the earlier hour")
	assert.Equal(t, "la-15", rows[1].WeatherUUID)
}

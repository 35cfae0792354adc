package bikecurate

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

const EarthRadiusKm = 6371.0

// MaxSpeedKmh is the fastest plausible average speed. Trips at exactly this
// speed are kept.
const MaxSpeedKmh = 50.0

// Haversine returns the great-circle distance in kilometres between two
// points given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

func AverageSpeedKmh(distanceKm, seconds float64) float64 {
	return distanceKm * 3600 / seconds
}

func PlausibleSpeed(kmh float64) bool {
	return kmh <= MaxSpeedKmh
}

type Season string

const (
	Winter Season = "Winter"
	Spring Season = "Spring"
	Summer Season = "Summer"
	Autumn Season = "Autumn"
)

func SeasonOf(m time.Month) Season {
	switch m {
	case time.December, time.January, time.February:
		return Winter
	case time.March, time.April, time.May:
		return Spring
	case time.June, time.July, time.August:
		return Summer
	default:
		return Autumn
	}
}

// Buckets: 0 short, 1 medium, 2 long.
func DurationCategory(seconds float64) int {
	switch {
	case seconds < 300:
		return 0
	case seconds < 600:
		return 1
	default:
		return 2
	}
}

func DistanceCategory(km float64) int {
	switch {
	case km < 2:
		return 0
	case km < 4:
		return 1
	default:
		return 2
	}
}

// DayOfWeek numbers days from Monday=0 to Sunday=6.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

type FeatureRow struct {
	Trip  CuratedTrip
	Start Station
	End   Station

	DurationCategory int
	HourOfDay        int
	HourCategory     int
	DayOfWeek        int
	IsWeekend        bool
	Month            int
	Season           Season
	DistanceKm       float64
	AverageSpeedKmh  float64
	DistanceCategory int
	WeatherUUID      string
}

type FeatureCounts struct {
	Input              int
	MissingStation     int
	NonPositiveElapsed int
	TooFast            int
	Output             int
}

// EngineerFeatures validates one batch of trips and derives model-ready
// features for the survivors. It holds no state between batches. weather
// may be nil.
func EngineerFeatures(batch Batch, stations []Station, weather *WeatherIndex) ([]FeatureRow, FeatureCounts) {
	byUUID := make(map[string]*Station, len(stations))
	for i := range stations {
		byUUID[stations[i].UUID] = &stations[i]
	}

	counts := FeatureCounts{Input: len(batch.Trips)}
	out := make([]FeatureRow, 0, len(batch.Trips))
	for _, trip := range batch.Trips {
		start, startOK := byUUID[trip.StartStationUUID]
		end, endOK := byUUID[trip.EndStationUUID]
		if !startOK || !endOK {
			counts.MissingStation++
			continue
		}
		if !trip.StartTime.Before(trip.EndTime) {
			counts.NonPositiveElapsed++
			continue
		}
		trip.Duration = trip.EndTime.Sub(trip.StartTime).Seconds()

		distance := Haversine(start.Latitude, start.Longitude, end.Latitude, end.Longitude)
		speed := AverageSpeedKmh(distance, trip.Duration)
		if !PlausibleSpeed(speed) {
			counts.TooFast++
			continue
		}

		dow := DayOfWeek(trip.StartTime)
		row := FeatureRow{
			Trip:             trip,
			Start:            *start,
			End:              *end,
			DurationCategory: DurationCategory(trip.Duration),
			HourOfDay:        trip.StartTime.Hour(),
			HourCategory:     trip.StartTime.Hour() / 4,
			DayOfWeek:        dow,
			IsWeekend:        dow >= 5,
			Month:            int(trip.StartTime.Month()),
			Season:           SeasonOf(trip.StartTime.Month()),
			DistanceKm:       distance,
			AverageSpeedKmh:  speed,
			DistanceCategory: DistanceCategory(distance),
		}
		if weather != nil {
			if w, ok := weather.Nearest(start.City, trip.StartTime); ok {
				row.WeatherUUID = w.UUID
			}
		}
		out = append(out, row)
	}
	counts.Output = len(out)

	slog.Info(fmt.Sprintf("Engineered features for %d of %d trips in %s (%d too fast, %d missing station)",
		counts.Output, counts.Input, batch.Suffix(), counts.TooFast, counts.MissingStation))
	return out, counts
}

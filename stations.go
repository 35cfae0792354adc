package bikecurate

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/text/unicode/norm"
)

type Station struct {
	UUID        string
	Source      string
	OriginalID  string
	Latitude    float64
	Longitude   float64
	Name        string
	City        string
	ZipCode     string // empty when no postal area was resolved
	ZipCodeUUID string
}

type StationOpts struct {
	// Nil leaves every station without a postal area.
	Geocoder  Geocoder
	Retry     RetryOpts
	Tolerance float64
}

type StationCounts struct {
	Observations        int
	LowPrecision        int
	DuplicateCoordinate int
	Candidates          int
	MissingCoordinates  int
	Rectified           int
	Implausible         int
	MissingZip          int
	Output              int
}

type stationObservation struct {
	id       string
	lat, lng float64
	hasCoord bool
	name     string
}

// ResolveStations builds the station registry of one source from the
// endpoints of its trips. Each station takes the most frequent latitude and
// longitude observed for it, ties resolving to the smaller value.
func ResolveStations(ctx context.Context, src *Source, trips []TripRecord, opts *StationOpts) ([]Station, StationCounts, error) {
	if opts == nil {
		opts = &StationOpts{}
	}
	tolerance := opts.Tolerance
	if tolerance == 0 {
		tolerance = DefaultCoordinateTolerance
	}

	var counts StationCounts
	observations := stationObservations(src, trips, &counts)

	type aggregate struct {
		lat  map[float64]int
		lng  map[float64]int
		name string
	}
	byID := make(map[string]*aggregate)
	for _, obs := range observations {
		agg, ok := byID[obs.id]
		if !ok {
			agg = &aggregate{lat: make(map[float64]int), lng: make(map[float64]int)}
			byID[obs.id] = agg
		}
		if agg.name == "" && obs.name != "" {
			agg.name = norm.NFC.String(obs.name)
		}
		if obs.hasCoord {
			agg.lat[obs.lat]++
			agg.lng[obs.lng]++
		}
	}
	counts.Candidates = len(byID)

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareNaturalIDs)

	var stations []Station
	for _, id := range ids {
		agg := byID[id]
		if len(agg.lat) == 0 {
			counts.MissingCoordinates++
			continue
		}
		p := LatLng{Lat: modeOf(agg.lat), Lng: modeOf(agg.lng)}
		rectified := LatLng{
			Lat: RectifySign(p.Lat, src.Center.Lat, tolerance),
			Lng: RectifySign(p.Lng, src.Center.Lng, tolerance),
		}
		if rectified != p {
			counts.Rectified++
		}
		if err := ValidateNear(rectified, src.Center, tolerance); err != nil {
			slog.Debug(fmt.Sprintf("Excluding %s station %s: %s", src.Name, id, err))
			counts.Implausible++
			continue
		}
		stations = append(stations, Station{
			Source:     src.Name,
			OriginalID: id,
			Latitude:   rectified.Lat,
			Longitude:  rectified.Lng,
			Name:       agg.name,
			City:       src.City,
		})
	}

	if opts.Geocoder != nil {
		for i := range stations {
			s := &stations[i]
			zip, ok, err := lookupZipCode(ctx, opts.Geocoder, LatLng{Lat: s.Latitude, Lng: s.Longitude}, opts.Retry)
			if err != nil {
				return nil, counts, fmt.Errorf("geocode %s station %s: %w", src.Name, s.OriginalID, err)
			}
			if ok {
				s.ZipCode = zip
			}
		}
	}

	gen := NewIDGenerator(src.StationSeed)
	for i := range stations {
		stations[i].UUID = gen.Next()
		if stations[i].ZipCode == "" {
			counts.MissingZip++
		}
	}
	counts.Output = len(stations)

	slog.Info(fmt.Sprintf("Resolved %d %s stations from %d candidates (%d implausible, %d rectified, %d without postal area)",
		counts.Output, src.Name, counts.Candidates, counts.Implausible, counts.Rectified, counts.MissingZip))
	return stations, counts, nil
}

// stationObservations pools both endpoints of every trip. Sources with
// coarse coordinates only trust precise observations, and may pin each
// exact coordinate pair to the station most often seen there.
func stationObservations(src *Source, trips []TripRecord, counts *StationCounts) []stationObservation {
	type endpoint struct {
		id, lat, lng, name string
	}
	var out []stationObservation
	for _, trip := range trips {
		endpoints := [2]endpoint{
			{trip.StartStationID, trip.StartLat, trip.StartLon, trip.StartStationName},
			{trip.EndStationID, trip.EndLat, trip.EndLon, trip.EndStationName},
		}
		for _, e := range endpoints {
			if e.id == "" {
				continue
			}
			counts.Observations++
			obs := stationObservation{id: e.id, name: e.name}

			lat, latOK := parseCoordinate(e.lat)
			lng, lngOK := parseCoordinate(e.lng)
			if latOK && lngOK {
				if src.MinCoordinateDigits > 0 &&
					(countDigits(e.lat) < src.MinCoordinateDigits || countDigits(e.lng) < src.MinCoordinateDigits) {
					counts.LowPrecision++
					continue
				}
				obs.lat, obs.lng, obs.hasCoord = lat, lng, true
			}
			out = append(out, obs)
		}
	}

	if !src.OneStationPerCoordinate {
		return out
	}
	owners := coordinateOwners(out)
	kept := out[:0]
	for _, obs := range out {
		if obs.hasCoord && owners[LatLng{Lat: obs.lat, Lng: obs.lng}] != obs.id {
			counts.DuplicateCoordinate++
			continue
		}
		kept = append(kept, obs)
	}
	return kept
}

// coordinateOwners assigns each exact coordinate pair to the id observed
// there most often, the smallest id on ties.
func coordinateOwners(observations []stationObservation) map[LatLng]string {
	seen := make(map[LatLng]map[string]int)
	for _, obs := range observations {
		if !obs.hasCoord {
			continue
		}
		key := LatLng{Lat: obs.lat, Lng: obs.lng}
		ids, ok := seen[key]
		if !ok {
			ids = make(map[string]int)
			seen[key] = ids
		}
		ids[obs.id]++
	}

	owners := make(map[LatLng]string, len(seen))
	for key, ids := range seen {
		best, bestCount := "", 0
		for id, n := range ids {
			if n > bestCount || (n == bestCount && compareNaturalIDs(id, best) < 0) {
				best, bestCount = id, n
			}
		}
		owners[key] = best
	}
	return owners
}

// modeOf returns the most frequent key, the smallest one on ties.
func modeOf[T cmp.Ordered](counts map[T]int) T {
	var best T
	bestCount := -1
	for v, n := range counts {
		if n > bestCount || (n == bestCount && v < best) {
			best, bestCount = v, n
		}
	}
	return best
}

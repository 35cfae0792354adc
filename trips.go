package bikecurate

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrUnresolvedKey means a trip references an entity absent from its
// registry. Trips must be filtered to trackable ones before mapping.
var ErrUnresolvedKey = errors.New("unresolved natural key")

type MemberType string

const (
	Member MemberType = "member"
	Casual MemberType = "casual"
)

var memberTypes = map[string]MemberType{
	"member":       Member,
	"annual pass":  Member,
	"monthly pass": Member,
	"flex pass":    Member,
	"one day pass": Member,
	"casual":       Casual,
	"walk-up":      Casual,
	"testing":      Casual,
}

func NormalizeMemberType(raw string) (MemberType, bool) {
	t, ok := memberTypes[foldKey(raw)]
	return t, ok
}

// Trip is a trackable trip still keyed by natural ids.
type Trip struct {
	UUID           string
	Source         string
	TripID         string
	StartTime      time.Time
	EndTime        time.Time
	StartStationID string
	EndStationID   string
	BikeID         string
	MemberType     MemberType
	Duration       float64
}

type TripCounts struct {
	Input              int
	UnknownStation     int
	UnknownBike        int
	UnknownMemberType  int
	NonPositiveElapsed int
	Duplicates         int
	Output             int
}

type naturalKey struct {
	source string
	id     string
}

// TrackableTrips keeps the trips whose stations and bike are both in the
// registries, with a recognised member type and start before end.
func TrackableTrips(src *Source, records []TripRecord, stations []Station, bikes []Bike) ([]Trip, TripCounts) {
	knownStations := make(map[naturalKey]bool, len(stations))
	for _, s := range stations {
		knownStations[naturalKey{s.Source, s.OriginalID}] = true
	}
	knownBikes := make(map[naturalKey]bool, len(bikes))
	for _, b := range bikes {
		knownBikes[naturalKey{b.Source, b.OriginalID}] = true
	}

	counts := TripCounts{Input: len(records)}
	memberCache := make(map[string]MemberType)
	unknownMembers := make(map[string]bool)
	seen := make(map[Trip]bool)

	var out []Trip
	for _, rec := range records {
		if !knownStations[naturalKey{src.Name, rec.StartStationID}] || !knownStations[naturalKey{src.Name, rec.EndStationID}] {
			counts.UnknownStation++
			continue
		}
		if !knownBikes[naturalKey{src.Name, rec.BikeID}] {
			counts.UnknownBike++
			continue
		}
		member, ok := memberCache[rec.MemberType]
		if !ok {
			if member, ok = NormalizeMemberType(rec.MemberType); ok {
				memberCache[rec.MemberType] = member
			} else {
				unknownMembers[rec.MemberType] = true
				counts.UnknownMemberType++
				continue
			}
		}
		if !rec.StartTime.Before(rec.EndTime) {
			counts.NonPositiveElapsed++
			continue
		}

		trip := Trip{
			Source:         src.Name,
			TripID:         rec.TripID,
			StartTime:      rec.StartTime,
			EndTime:        rec.EndTime,
			StartStationID: rec.StartStationID,
			EndStationID:   rec.EndStationID,
			BikeID:         rec.BikeID,
			MemberType:     member,
			Duration:       rec.Duration,
		}
		if math.IsNaN(trip.Duration) {
			trip.Duration = trip.EndTime.Sub(trip.StartTime).Seconds()
		}
		if seen[trip] {
			counts.Duplicates++
			continue
		}
		seen[trip] = true
		out = append(out, trip)
	}
	counts.Output = len(out)

	if len(unknownMembers) > 0 {
		var names []string
		for name := range unknownMembers {
			names = append(names, fmt.Sprintf("%q", name))
		}
		slices.Sort(names)
		slog.Warn(fmt.Sprintf("Dropped %d %s trips with unknown member types: %s",
			counts.UnknownMemberType, src.Name, strings.Join(names, ", ")))
	}
	slog.Info(fmt.Sprintf("Kept %d of %d %s trips (%d unknown station, %d unknown bike, %d duplicates)",
		counts.Output, counts.Input, src.Name, counts.UnknownStation, counts.UnknownBike, counts.Duplicates))
	return out, counts
}

func compareTrips(a, b Trip) int {
	if c := a.StartTime.Compare(b.StartTime); c != 0 {
		return c
	}
	if c := a.EndTime.Compare(b.EndTime); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Source, b.Source); c != 0 {
		return c
	}
	if c := compareNaturalIDs(a.TripID, b.TripID); c != 0 {
		return c
	}
	if c := compareNaturalIDs(a.StartStationID, b.StartStationID); c != 0 {
		return c
	}
	if c := compareNaturalIDs(a.EndStationID, b.EndStationID); c != 0 {
		return c
	}
	if c := compareNaturalIDs(a.BikeID, b.BikeID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.MemberType, b.MemberType); c != 0 {
		return c
	}
	return cmp.Compare(a.Duration, b.Duration)
}

// AssignTripIDs orders trips by time and then by their natural fields, and
// gives each an id from the seeded sequence. The result does not depend on
// the order trips were read in.
func AssignTripIDs(trips []Trip, seed uint64) []Trip {
	out := slices.Clone(trips)
	slices.SortFunc(out, compareTrips)
	gen := NewIDGenerator(seed)
	for i := range out {
		out[i].UUID = gen.Next()
	}
	return out
}

// CuratedTrip is a trip whose foreign keys are surrogate ids.
type CuratedTrip struct {
	UUID             string
	StartTime        time.Time
	EndTime          time.Time
	MemberType       MemberType
	Duration         float64
	StartStationUUID string
	EndStationUUID   string
	BikeUUID         string
}

// MapTripKeys rewrites natural station and bike ids to surrogate ids. It
// never filters: a missing key is reported as ErrUnresolvedKey.
func MapTripKeys(trips []Trip, stations []Station, bikes []Bike) ([]CuratedTrip, error) {
	stationIDs := make(map[naturalKey]string, len(stations))
	for _, s := range stations {
		stationIDs[naturalKey{s.Source, s.OriginalID}] = s.UUID
	}
	bikeIDs := make(map[naturalKey]string, len(bikes))
	for _, b := range bikes {
		bikeIDs[naturalKey{b.Source, b.OriginalID}] = b.UUID
	}

	out := make([]CuratedTrip, 0, len(trips))
	for _, trip := range trips {
		start, ok := stationIDs[naturalKey{trip.Source, trip.StartStationID}]
		if !ok {
			return nil, fmt.Errorf("%w: %s station %s", ErrUnresolvedKey, trip.Source, trip.StartStationID)
		}
		end, ok := stationIDs[naturalKey{trip.Source, trip.EndStationID}]
		if !ok {
			return nil, fmt.Errorf("%w: %s station %s", ErrUnresolvedKey, trip.Source, trip.EndStationID)
		}
		bike, ok := bikeIDs[naturalKey{trip.Source, trip.BikeID}]
		if !ok {
			return nil, fmt.Errorf("%w: %s bike %s", ErrUnresolvedKey, trip.Source, trip.BikeID)
		}
		out = append(out, CuratedTrip{
			UUID:             trip.UUID,
			StartTime:        trip.StartTime,
			EndTime:          trip.EndTime,
			MemberType:       trip.MemberType,
			Duration:         trip.Duration,
			StartStationUUID: start,
			EndStationUUID:   end,
			BikeUUID:         bike,
		})
	}
	return out, nil
}

// MapStationZipCodes sets each station's zip_code_uuid from the demographic
// table. Stations without a postal area keep an empty reference.
func MapStationZipCodes(stations []Station, demographics *DemographicTable) ([]Station, error) {
	ids := make(map[string]string)
	if demographics != nil {
		for _, row := range demographics.Rows {
			ids[NormalizeZipCode(row.ZipCode)] = row.UUID
		}
	}
	out := slices.Clone(stations)
	for i := range out {
		if out[i].ZipCode == "" {
			out[i].ZipCodeUUID = ""
			continue
		}
		id, ok := ids[NormalizeZipCode(out[i].ZipCode)]
		if !ok {
			return nil, fmt.Errorf("%w: %s station %s postal area %s",
				ErrUnresolvedKey, out[i].Source, out[i].OriginalID, out[i].ZipCode)
		}
		out[i].ZipCodeUUID = id
	}
	return out, nil
}

// Batch is one calendar month of trips.
type Batch struct {
	Year  int
	Month time.Month
	Trips []CuratedTrip
}

func (b Batch) Suffix() string {
	return fmt.Sprintf("%04d_%02d", b.Year, int(b.Month))
}

// PartitionByMonth groups trips by the month they start in, returning
// batches in chronological order.
func PartitionByMonth(trips []CuratedTrip) []Batch {
	type key struct {
		year  int
		month time.Month
	}
	index := make(map[key]int)
	var batches []Batch
	for _, trip := range trips {
		k := key{trip.StartTime.Year(), trip.StartTime.Month()}
		i, ok := index[k]
		if !ok {
			i = len(batches)
			index[k] = i
			batches = append(batches, Batch{Year: k.year, Month: k.month})
		}
		batches[i].Trips = append(batches[i].Trips, trip)
	}
	slices.SortFunc(batches, func(a, b Batch) int {
		if c := cmp.Compare(a.Year, b.Year); c != 0 {
			return c
		}
		return cmp.Compare(a.Month, b.Month)
	})
	return batches
}

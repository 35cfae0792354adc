package bikecurate

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

type BikeType string

const (
	BikeStandard BikeType = "standard"
	BikeElectric BikeType = "electric"
)

type Bike struct {
	UUID       string
	Source     string
	OriginalID string
	Type       BikeType
}

type BikeCounts struct {
	Candidates    int
	ShortIDs      int
	UnknownTypes  int
	DefaultedType int
	Output        int
}

// Ids shorter than this are operator test or placeholder values.
const minBikeIDDigits = 4

// foldKey returns the case-folded form used to match vocabulary entries.
func foldKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// ResolveBikes builds the bike registry of one source. A bike's type is the
// one it was most often recorded with.
func ResolveBikes(src *Source, trips []TripRecord) ([]Bike, BikeCounts) {
	var counts BikeCounts

	types := make(map[string]map[string]int)
	for _, trip := range trips {
		if trip.BikeID == "" {
			continue
		}
		t, ok := types[trip.BikeID]
		if !ok {
			t = make(map[string]int)
			types[trip.BikeID] = t
		}
		bikeType := trip.BikeType
		if bikeType == "" {
			bikeType = src.DefaultBikeType
			counts.DefaultedType++
		}
		t[bikeType]++
	}
	counts.Candidates = len(types)

	ids := make([]string, 0, len(types))
	for id := range types {
		if countDigits(id) < minBikeIDDigits {
			counts.ShortIDs++
			continue
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareNaturalIDs)

	gen := NewIDGenerator(src.BikeSeed)
	bikes := make([]Bike, 0, len(ids))
	unknown := make(map[string]bool)
	for _, id := range ids {
		raw := modeOf(types[id])
		bikeType, ok := normalizeBikeType(src, raw)
		if !ok {
			counts.UnknownTypes++
			unknown[raw] = true
		}
		bikes = append(bikes, Bike{
			UUID:       gen.Next(),
			Source:     src.Name,
			OriginalID: id,
			Type:       bikeType,
		})
	}
	counts.Output = len(bikes)

	if len(unknown) > 0 {
		var names []string
		for name := range unknown {
			names = append(names, name)
		}
		slices.Sort(names)
		slog.Warn(fmt.Sprintf("Unknown %s bike types treated as standard: %s", src.Name, strings.Join(names, ", ")))
	}
	slog.Info(fmt.Sprintf("Resolved %d %s bikes from %d candidates (%d short ids)",
		counts.Output, src.Name, counts.Candidates, counts.ShortIDs))
	return bikes, counts
}

func normalizeBikeType(src *Source, raw string) (BikeType, bool) {
	key := foldKey(raw)
	for name, t := range src.BikeTypes {
		if foldKey(name) == key {
			return t, true
		}
	}
	return BikeStandard, false
}

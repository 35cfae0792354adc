package bikecurate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bikeRecord(src *Source, bikeID, bikeType string) TripRecord {
	return TripRecord{Source: src.Name, BikeID: bikeID, BikeType: bikeType}
}

func TestResolveBikes(t *testing.T) {
	records := []TripRecord{
		bikeRecord(MetroSource, "16000", "standard"),
		bikeRecord(MetroSource, "16000", "electric"),
		bikeRecord(MetroSource, "16000", "Standard"),
		bikeRecord(MetroSource, "9999", "smart"),
		bikeRecord(MetroSource, "5", "standard"),
		bikeRecord(MetroSource, "", "electric"),
		bikeRecord(MetroSource, "20000", ""),
	}
	bikes, counts := ResolveBikes(MetroSource, records)
	require.Len(t, bikes, 3)
	assert.Equal(t, 4, counts.Candidates)
	assert.Equal(t, 1, counts.ShortIDs)
	assert.Equal(t, 1, counts.DefaultedType)
	assert.Equal(t, 0, counts.UnknownTypes)

	gen := NewIDGenerator(MetroSource.BikeSeed)
	assert.Equal(t, Bike{UUID: gen.Next(), Source: "metro", OriginalID: "9999", Type: BikeStandard}, bikes[0])
	assert.Equal(t, Bike{UUID: gen.Next(), Source: "metro", OriginalID: "16000", Type: BikeStandard}, bikes[1])
	assert.Equal(t, Bike{UUID: gen.Next(), Source: "metro", OriginalID: "20000", Type: BikeStandard}, bikes[2])
}

func TestResolveBikesMostCommonType(t *testing.T) {
	records := []TripRecord{
		bikeRecord(CapitalSource, "W00001", "electric_bike"),
		bikeRecord(CapitalSource, "W00001", "electric_bike"),
		bikeRecord(CapitalSource, "W00001", "classic_bike"),
		bikeRecord(CapitalSource, "0000_classic", "classic_bike"),
		bikeRecord(CapitalSource, "0000_electric", "electric_bike"),
	}
	bikes, counts := ResolveBikes(CapitalSource, records)
	require.Len(t, bikes, 3)
	assert.Equal(t, 3, counts.Output)

	types := make(map[string]BikeType)
	for _, b := range bikes {
		types[b.OriginalID] = b.Type
	}
	assert.Equal(t, map[string]BikeType{
		"W00001":        BikeElectric,
		"0000_classic":  BikeStandard,
		"0000_electric": BikeElectric,
	}, types)
}

func TestResolveBikesUnknownType(t *testing.T) {
	bikes, counts := ResolveBikes(MetroSource, []TripRecord{bikeRecord(MetroSource, "16000", "scooter")})
	require.Len(t, bikes, 1)
	assert.Equal(t, BikeStandard, bikes[0].Type)
	assert.Equal(t, 1, counts.UnknownTypes)
}

package bikecurate

// Source describes one bike-share operator: where its raw files live, how
// its columns map onto the canonical trip schema and which vocabularies and
// seeds apply to the entities it contributes.
type Source struct {
	Name   string
	City   string
	Center LatLng

	// Directory under the raw data folder and the glob matching trip files.
	Dir  string
	Glob string

	// Renames are applied in order. A rule only fires when From exists and To
	// does not, so older and newer file layouts can share one list.
	Renames []Rename

	// Hourly Open-Meteo export for the source's city, under OpenMeteo/.
	WeatherFile string

	DurationInMinutes bool

	// Capital publishes some coordinates rounded to very few digits. Stations
	// observed only at such coarse positions are not trustworthy.
	MinCoordinateDigits int
	// When set each exact coordinate pair keeps a single station id.
	OneStationPerCoordinate bool

	// Bike ids used for rows that carry a bike type but no bike id.
	PlaceholderBikeIDs map[string]string
	DefaultBikeType    string
	BikeTypes          map[string]BikeType

	StationSeed uint64
	BikeSeed    uint64
}

type Rename struct {
	From string
	To   string
}

type LatLng struct {
	Lat float64
	Lng float64
}

const (
	TripSeed        uint64 = 4
	DemographicSeed uint64 = 5
	WeatherSeed     uint64 = 6
)

var MetroSource = &Source{
	Name:   "metro",
	City:   "Los Angeles",
	Center: LatLng{Lat: 34.059753, Lng: -118.2375},
	Dir:    "MetroBike",
	Glob:   "*trips*.csv",

	WeatherFile: "LosAngeles.csv",

	Renames: []Rename{
		{From: "start_station", To: "start_station_id"},
		{From: "end_station", To: "end_station_id"},
		{From: "passholder_type", To: "member_type"},
		{From: "start station name", To: "start_station_name"},
		{From: "end station name", To: "end_station_name"},
	},
	DurationInMinutes: true,
	DefaultBikeType:   "standard",
	BikeTypes: map[string]BikeType{
		"standard": BikeStandard,
		"smart":    BikeStandard,
		"electric": BikeElectric,
	},
	StationSeed: 0,
	BikeSeed:    2,
}

var CapitalSource = &Source{
	Name:   "capital",
	City:   "Washington D.C.",
	Center: LatLng{Lat: 38.910366, Lng: -77.07251},
	Dir:    "CapitalBike",
	Glob:   "*trip*.csv",

	WeatherFile: "WashingtonDC.csv",

	Renames: []Rename{
		{From: "Start station number", To: "start_station_id"},
		{From: "End station number", To: "end_station_id"},
		{From: "Start station", To: "start_station_name"},
		{From: "End station", To: "end_station_name"},
		{From: "Start date", To: "started_at"},
		{From: "End date", To: "ended_at"},
		{From: "Member type", To: "member_casual"},
		{From: "Duration", To: "duration"},
		{From: "started_at", To: "start_time"},
		{From: "ended_at", To: "end_time"},
		{From: "Bike number", To: "bike_id"},
		{From: "member_casual", To: "member_type"},
		{From: "ride_id", To: "trip_id"},
		{From: "rideable_type", To: "bike_type"},
		{From: "start_lng", To: "start_lon"},
		{From: "end_lng", To: "end_lon"},
	},
	MinCoordinateDigits:     7,
	OneStationPerCoordinate: true,
	PlaceholderBikeIDs: map[string]string{
		"classic_bike":  "0000_classic",
		"electric_bike": "0000_electric",
		"docked_bike":   "0000_docked",
	},
	DefaultBikeType: "classic_bike",
	BikeTypes: map[string]BikeType{
		"classic_bike":  BikeStandard,
		"docked_bike":   BikeStandard,
		"electric_bike": BikeElectric,
	},
	StationSeed: 1,
	BikeSeed:    3,
}

var Sources = []*Source{MetroSource, CapitalSource}

func SourceByName(name string) *Source {
	for _, src := range Sources {
		if src.Name == name {
			return src
		}
	}
	return nil
}

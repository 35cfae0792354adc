package bikecurate

import (
	"regexp"
)

// NOTE: Skipped validating
//   - weather_uuid in features, which is a nearest match rather than a key

type tableSchema struct {
	PrimaryKey []string
	// Partitioned tables are stored once per month as <name>_YYYY_MM.
	Partitioned bool
	Columns     []columnSchema
}

type columnSchema struct {
	Name            string
	SQLType         string
	TypeDescription string
	ForeignID       *foreignIDSchema
}

// A foreign id into a partitioned table refers to the partition with the
// same month as the referencing row's table.
type foreignIDSchema struct {
	Table  string
	Column string
}

func (t tableSchema) column(name string) (columnSchema, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return columnSchema{}, false
}

func (t tableSchema) columnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

var partitionSuffix = regexp.MustCompile(`_(\d{4}_\d{2})$`)

// schemaFor resolves a stored table name to its schema and month suffix.
func schemaFor(table string) (tableSchema, string, bool) {
	if schema, ok := curatedSchema[table]; ok && !schema.Partitioned {
		return schema, "", true
	}
	m := partitionSuffix.FindStringSubmatchIndex(table)
	if m == nil {
		return tableSchema{}, "", false
	}
	schema, ok := curatedSchema[table[:m[0]]]
	if !ok || !schema.Partitioned {
		return tableSchema{}, "", false
	}
	return schema, table[m[2]:m[3]], true
}

var stationColumns = []columnSchema{
	{Name: "station_uuid", SQLType: "TEXT", TypeDescription: "Unique ID"},
	{Name: "original_station_id", SQLType: "TEXT", TypeDescription: "Operator station id"},
	{Name: "latitude", SQLType: "REAL", TypeDescription: "Latitude"},
	{Name: "longitude", SQLType: "REAL", TypeDescription: "Longitude"},
	{Name: "station_name", SQLType: "TEXT", TypeDescription: "Text"},
	{Name: "city", SQLType: "TEXT", TypeDescription: "Text"},
	{
		Name:            "zip_code_uuid",
		SQLType:         "TEXT",
		TypeDescription: "Foreign ID referencing demographics.zip_code_uuid",
		ForeignID:       &foreignIDSchema{Table: "demographics", Column: "zip_code_uuid"},
	},
}

var tripColumns = []columnSchema{
	{Name: "trip_uuid", SQLType: "TEXT", TypeDescription: "Unique ID"},
	{Name: "start_time", SQLType: "TEXT", TypeDescription: "Timestamp"},
	{Name: "end_time", SQLType: "TEXT", TypeDescription: "Timestamp"},
	{Name: "member_type", SQLType: "TEXT", TypeDescription: "Enum"},
	{Name: "duration", SQLType: "REAL", TypeDescription: "Seconds"},
	{
		Name:            "start_station_uuid",
		SQLType:         "TEXT",
		TypeDescription: "Foreign ID referencing stations.station_uuid",
		ForeignID:       &foreignIDSchema{Table: "stations", Column: "station_uuid"},
	},
	{
		Name:            "end_station_uuid",
		SQLType:         "TEXT",
		TypeDescription: "Foreign ID referencing stations.station_uuid",
		ForeignID:       &foreignIDSchema{Table: "stations", Column: "station_uuid"},
	},
	{
		Name:            "bike_uuid",
		SQLType:         "TEXT",
		TypeDescription: "Foreign ID referencing bikes.bike_uuid",
		ForeignID:       &foreignIDSchema{Table: "bikes", Column: "bike_uuid"},
	},
}

var derivedColumns = []columnSchema{
	{Name: "trip_duration_category", SQLType: "INTEGER", TypeDescription: "Enum"},
	{Name: "hour_of_day", SQLType: "INTEGER", TypeDescription: "Hour"},
	{Name: "trip_hour_category", SQLType: "INTEGER", TypeDescription: "Enum"},
	{Name: "day_of_week", SQLType: "INTEGER", TypeDescription: "Monday=0"},
	{Name: "is_weekend", SQLType: "INTEGER", TypeDescription: "Boolean"},
	{Name: "month", SQLType: "INTEGER", TypeDescription: "Month"},
	{Name: "season", SQLType: "TEXT", TypeDescription: "Enum"},
	{Name: "distance_km", SQLType: "REAL", TypeDescription: "Kilometres"},
	{Name: "average_speed_kmh", SQLType: "REAL", TypeDescription: "Kilometres per hour"},
	{Name: "trip_distance_category", SQLType: "INTEGER", TypeDescription: "Enum"},
	{Name: "weather_uuid", SQLType: "TEXT", TypeDescription: "Nearest weather.weather_uuid"},
}

func featureColumns() []columnSchema {
	cols := []columnSchema{{
		Name:            "trip_uuid",
		SQLType:         "TEXT",
		TypeDescription: "Foreign ID referencing trips.trip_uuid",
		ForeignID:       &foreignIDSchema{Table: "trips", Column: "trip_uuid"},
	}}
	cols = append(cols, tripColumns[1:]...)
	for _, suffix := range []string{"_start", "_end"} {
		for _, col := range stationColumns {
			col.Name += suffix
			cols = append(cols, col)
		}
	}
	return append(cols, derivedColumns...)
}

func demographicColumns() []columnSchema {
	cols := []columnSchema{
		{Name: "zip_code_uuid", SQLType: "TEXT", TypeDescription: "Unique ID"},
		{Name: "zip_code", SQLType: "TEXT", TypeDescription: "ZCTA"},
	}
	for _, v := range CensusVariables {
		cols = append(cols, columnSchema{Name: v.Name, SQLType: "REAL", TypeDescription: "ACS " + v.Code})
	}
	return cols
}

func weatherColumns() []columnSchema {
	cols := []columnSchema{
		{Name: "weather_uuid", SQLType: "TEXT", TypeDescription: "Unique ID"},
		{Name: "date", SQLType: "TEXT", TypeDescription: "Timestamp"},
	}
	for _, v := range WeatherVariables {
		cols = append(cols, columnSchema{Name: v, SQLType: "REAL", TypeDescription: "Open-Meteo hourly"})
	}
	return append(cols, columnSchema{Name: "city", SQLType: "TEXT", TypeDescription: "Text"})
}

var curatedSchema = map[string]tableSchema{
	"bikes": {
		PrimaryKey: []string{"bike_uuid"},
		Columns: []columnSchema{
			{Name: "bike_uuid", SQLType: "TEXT", TypeDescription: "Unique ID"},
			{Name: "original_bike_id", SQLType: "TEXT", TypeDescription: "Operator bike id"},
			{Name: "bike_type", SQLType: "TEXT", TypeDescription: "Enum"},
		},
	},

	"stations": {
		PrimaryKey: []string{"station_uuid"},
		Columns:    stationColumns,
	},

	"demographics": {
		PrimaryKey: []string{"zip_code_uuid"},
		Columns:    demographicColumns(),
	},

	"weather": {
		PrimaryKey: []string{"weather_uuid"},
		Columns:    weatherColumns(),
	},

	"trips": {
		PrimaryKey:  []string{"trip_uuid"},
		Partitioned: true,
		Columns:     tripColumns,
	},

	"features": {
		PrimaryKey:  []string{"trip_uuid"},
		Partitioned: true,
		Columns:     featureColumns(),
	},
}

package schema

// Destination table names.
const (
	SessionsTable = "sessions"
	DetailsTable  = "details"
	MetricsTable  = "metrics"
)

// Sessions holds one summary row per ingested FIT file.
var Sessions = Table{Fields: []Field{
	{Name: "file_hash", Type: TypeString, Required: true},
	{Name: "filename", Type: TypeString, Required: true},
	{Name: "session_id", Type: TypeString, Required: true},
	{Name: "timestamp", Type: TypeTimestamp},
	{Name: "start_time", Type: TypeTimestamp},
	{Name: "manufacturer", Type: TypeString},
	{Name: "product", Type: TypeString},
	{Name: "serial_number", Type: TypeInteger},
	{Name: "sport", Type: TypeString},
	{Name: "sub_sport", Type: TypeString},
	{Name: "total_elapsed_time", Type: TypeFloat},
	{Name: "total_timer_time", Type: TypeFloat},
	{Name: "total_distance", Type: TypeFloat},
	{Name: "avg_speed", Type: TypeFloat},
	{Name: "max_speed", Type: TypeFloat},
	{Name: "avg_cadence", Type: TypeInteger},
	{Name: "max_cadence", Type: TypeInteger},
	{Name: "min_heart_rate", Type: TypeInteger},
	{Name: "avg_heart_rate", Type: TypeInteger},
	{Name: "max_heart_rate", Type: TypeInteger},
	{Name: "avg_power", Type: TypeInteger},
	{Name: "max_power", Type: TypeInteger},
	{Name: "normalized_power", Type: TypeInteger},
	{Name: "threshold_power", Type: TypeInteger},
	{Name: "total_work", Type: TypeInteger},
	{Name: "total_calories", Type: TypeInteger},
	{Name: "min_altitude", Type: TypeFloat},
	{Name: "avg_altitude", Type: TypeFloat},
	{Name: "max_altitude", Type: TypeFloat},
	{Name: "total_ascent", Type: TypeInteger},
	{Name: "total_descent", Type: TypeInteger},
	{Name: "avg_grade", Type: TypeFloat},
	{Name: "max_pos_grade", Type: TypeFloat},
	{Name: "max_neg_grade", Type: TypeFloat},
	{Name: "avg_temperature", Type: TypeInteger},
	{Name: "max_temperature", Type: TypeInteger},
	{Name: "training_stress_score", Type: TypeFloat},
	{Name: "intensity_factor", Type: TypeFloat},
	{Name: "num_laps", Type: TypeInteger},
	{Name: "created_at", Type: TypeTimestamp, Required: true},
}}

// SessionsOptions partitions on activity start and clusters on the fields
// most queries filter by.
var SessionsOptions = TableOptions{
	PartitionField:   "start_time",
	ClusteringFields: []string{"manufacturer", "sport"},
}

// Details holds one row per time-series sample.
var Details = Table{Fields: []Field{
	{Name: "session_id", Type: TypeString, Required: true},
	{Name: "file_hash", Type: TypeString, Required: true},
	{Name: "record_id", Type: TypeString, Required: true},
	{Name: "timestamp", Type: TypeTimestamp, Required: true},
	{Name: "position_lat", Type: TypeFloat},
	{Name: "position_long", Type: TypeFloat},
	{Name: "gps_accuracy", Type: TypeInteger},
	{Name: "altitude", Type: TypeFloat},
	{Name: "enhanced_altitude", Type: TypeFloat},
	{Name: "grade", Type: TypeFloat},
	{Name: "distance", Type: TypeFloat},
	{Name: "heart_rate", Type: TypeInteger},
	{Name: "cadence", Type: TypeInteger},
	{Name: "power", Type: TypeInteger},
	{Name: "speed", Type: TypeFloat},
	{Name: "enhanced_speed", Type: TypeFloat},
	{Name: "temperature", Type: TypeInteger},
	{Name: "calories", Type: TypeInteger},
	{Name: "battery_soc", Type: TypeFloat},
}}

var DetailsOptions = TableOptions{
	PartitionField:   "timestamp",
	ClusteringFields: []string{"session_id", "file_hash"},
}

// Metrics holds one row per distinct timestamp from a wellness export (CSV
// or spreadsheet). Its field names double as the normalizer allow-list.
var Metrics = Table{Fields: []Field{
	{Name: "file_hash", Type: TypeString, Required: true},
	{Name: "filename", Type: TypeString, Required: true},
	{Name: "timestamp", Type: TypeTimestamp, Required: true},
	{Name: "body_battery_min", Type: TypeInteger},
	{Name: "body_battery_max", Type: TypeInteger},
	{Name: "body_battery_avg", Type: TypeInteger},
	{Name: "pulse", Type: TypeInteger},
	{Name: "sleep_hours", Type: TypeFloat},
	{Name: "stress_level_min", Type: TypeInteger},
	{Name: "stress_level_max", Type: TypeInteger},
	{Name: "stress_level_avg", Type: TypeInteger},
	{Name: "time_awake", Type: TypeFloat},
	{Name: "time_in_deep_sleep", Type: TypeFloat},
	{Name: "time_in_light_sleep", Type: TypeFloat},
	{Name: "time_in_rem_sleep", Type: TypeFloat},
	{Name: "weight_kilograms", Type: TypeFloat},
	{Name: "resting_heart_rate", Type: TypeInteger},
	{Name: "max_heart_rate", Type: TypeInteger},
	{Name: "min_heart_rate", Type: TypeInteger},
	{Name: "avg_heart_rate", Type: TypeInteger},
	{Name: "hrv_avg", Type: TypeFloat},
	{Name: "created_at", Type: TypeTimestamp, Required: true},
}}

var MetricsOptions = TableOptions{
	PartitionField: "timestamp",
}

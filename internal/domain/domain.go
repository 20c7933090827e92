package domain

// Client is a row in the users table: the owner of a fleet of devices.
type Client struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Country   string `json:"country,omitempty"`
}

// Device is one telemetry meter in the field.
type Device struct {
	ID        int64   `json:"id"`
	Serial    string  `json:"serial"`
	Alias     string  `json:"alias,omitempty"`
	SimNo     string  `json:"sim_no,omitempty"`
	LogStatus string  `json:"log_status"`
	LastLog   *string `json:"last_log,omitempty" format:"date-time"`
	ClientID  int64   `json:"client_id"`
}

// RawSample is one meter reading: panel voltage and current at an instant.
// Voltage/current are pointers because ingestion sometimes drops a field;
// the integrator treats nil as 0.0.
type RawSample struct {
	DeviceSerial string   `json:"device_serial"`
	Timestamp    string   `json:"timestamp" format:"date-time"`
	PanelVoltage *float64 `json:"panel_voltage,omitempty"`
	PanelCurrent *float64 `json:"panel_current,omitempty"`
}

// DailyEnergyResult is the output of one unit-of-work calculation:
// energy and CO2 for a single device on a single calendar day.
type DailyEnergyResult struct {
	UniqueKey    string  `json:"unique_key"`
	ClientID     int64   `json:"client_id"`
	ClientName   string  `json:"client_name"`
	DeviceSerial string  `json:"serial"`
	SiteName     string  `json:"site_name,omitempty"`
	Year         int     `json:"year"`
	Month        int     `json:"month"`
	Day          int     `json:"day"`
	EnergyKWh    float64 `json:"energy_per_day"`
	CO2Kg        float64 `json:"CO2_emissions"`
}

// TaskDescriptor identifies one schedulable unit of work: one device, one day.
type TaskDescriptor struct {
	ClientID     int64  `json:"client_id"`
	ClientName   string `json:"client_name"`
	DeviceSerial string `json:"device_serial"`
	DeviceAlias  string `json:"device_alias,omitempty"`
	Year         int    `json:"year"`
	Month        int    `json:"month"`
	Day          int    `json:"day"`
}

// TaskOutcome is the terminal result of a unit-of-work run.
type TaskOutcome string

const (
	OutcomeSuccess TaskOutcome = "success"
	OutcomeSkipped TaskOutcome = "skipped"
	OutcomeNoData  TaskOutcome = "no_data"
	OutcomeFailed  TaskOutcome = "failed"
)

// GroupProgress reports how far a submitted batch has come.
// Status is derived: complete iff every member reached a terminal state.
type GroupProgress struct {
	GroupID   string `json:"group_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Status    string `json:"status" enum:"IN_PROGRESS,COMPLETE"`
}

const (
	GroupInProgress = "IN_PROGRESS"
	GroupComplete   = "COMPLETE"
)

// AnnualCO2 is one row of the clients-annual-co2 aggregate.
type AnnualCO2 struct {
	ClientID    int64   `json:"client_id"`
	Year        int     `json:"year"`
	TotalEnergy float64 `json:"total_energy"`
	TotalCO2    float64 `json:"total_CO2"`
}

// ClientDeviceStats is the per-client slice of the all-clients-stats report.
type ClientDeviceStats struct {
	ClientID    int64  `json:"id"`
	Country     string `json:"country,omitempty"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	NoOfDevices int    `json:"no_of_devices"`
	Online      int    `json:"online"`
	Offline     int    `json:"offline"`
}

// DeviceStatus is one row of the bulk status lookup, ordered as requested.
type DeviceStatus struct {
	No          int     `json:"No"`
	Serial      string  `json:"serial"`
	Alias       string  `json:"alias,omitempty"`
	SimNo       string  `json:"sim_no,omitempty"`
	LogStatus   string  `json:"log_status"`
	LastLog     *string `json:"last_log,omitempty" format:"date-time"`
	LogDuration *int    `json:"log_duration,omitempty"`
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
}

// DoorOpening is one contiguous run of positive door-sensor values.
type DoorOpening struct {
	ID              int     `json:"id"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// DoorOpeningStats summarizes door activity for a device-day.
type DoorOpeningStats struct {
	SerialNumber    string        `json:"serial_number"`
	Date            string        `json:"date"`
	TotalOpenings   int           `json:"total_openings"`
	AverageDuration float64       `json:"average_duration_seconds"`
	Openings        []DoorOpening `json:"openings"`
}

// Event is one entry of the audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

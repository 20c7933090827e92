package server

import (
	"sunmeter/internal/domain"
)

// Request payloads

type StartCalculationRequest struct {
	ClientID int64 `json:"client_id"`
	Year     int   `json:"year"`
	Month    int   `json:"month" minimum:"1" maximum:"12"`
}

type StatusLookupRequest struct {
	Identifiers []string `json:"identifiers"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Response payloads

type StartCalculationResponse struct {
	GroupID    string `json:"group_id"`
	TotalTasks int    `json:"total_tasks"`
	Message    string `json:"message"`
}

type ProgressResponse struct {
	GroupID   string `json:"group_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Status    string `json:"status" enum:"IN_PROGRESS,COMPLETE"`
}

type MonthlyCO2Response struct {
	ClientID int64                      `json:"client_id"`
	Year     int                        `json:"year"`
	Month    int                        `json:"month"`
	Days     []domain.DailyEnergyResult `json:"days"`
}

type AnnualCO2Response struct {
	Clients []domain.AnnualCO2 `json:"clients"`
}

type ClientStatsResponse struct {
	Clients      []domain.ClientDeviceStats `json:"clients"`
	TotalOnline  int                        `json:"total_online"`
	TotalOffline int                        `json:"total_offline"`
}

type MeterResponse struct {
	ID        int64   `json:"id"`
	Serial    string  `json:"serial"`
	Alias     string  `json:"alias,omitempty"`
	SimNo     string  `json:"sim_no,omitempty"`
	LogStatus string  `json:"log_status"`
	LastLog   *string `json:"last_log,omitempty" format:"date-time"`
	ClientID  int64   `json:"client_id"`
}

func meterResponse(d domain.Device) MeterResponse {
	return MeterResponse{
		ID:        d.ID,
		Serial:    d.Serial,
		Alias:     d.Alias,
		SimNo:     d.SimNo,
		LogStatus: d.LogStatus,
		LastLog:   d.LastLog,
		ClientID:  d.ClientID,
	}
}

type ReadingsResponse struct {
	Serial   string             `json:"serial"`
	Readings []domain.RawSample `json:"readings"`
}

type DoorOpeningsResponse struct {
	SerialNumber    string               `json:"serial_number"`
	Date            string               `json:"date" format:"date"`
	TotalOpenings   int                  `json:"total_openings"`
	AverageDuration float64              `json:"average_duration_seconds"`
	Openings        []domain.DoorOpening `json:"openings"`
}

type StatusLookupResponse struct {
	Registered []domain.DeviceStatus `json:"registered"`
	Test       []domain.DeviceStatus `json:"test"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type" enum:"bearer"`
}

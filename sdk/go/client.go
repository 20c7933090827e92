package sunmetersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sunmeter HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StartedCalculation is the accepted-batch response.
type StartedCalculation struct {
	GroupID    string `json:"group_id"`
	TotalTasks int    `json:"total_tasks"`
	Message    string `json:"message"`
}

// Progress reports how far a batch has come.
type Progress struct {
	GroupID   string `json:"group_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Status    string `json:"status"`
}

// DailyResult is one device-day energy and CO2 row.
type DailyResult struct {
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

// MonthlyCO2 is the per-month result listing.
type MonthlyCO2 struct {
	ClientID int64         `json:"client_id"`
	Year     int           `json:"year"`
	Month    int           `json:"month"`
	Days     []DailyResult `json:"days"`
}

// AnnualCO2 is one client-year aggregate.
type AnnualCO2 struct {
	ClientID    int64   `json:"client_id"`
	Year        int     `json:"year"`
	TotalEnergy float64 `json:"total_energy"`
	TotalCO2    float64 `json:"total_CO2"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartMonthlyCalculation submits a batch and returns its group handle.
func (c *Client) StartMonthlyCalculation(ctx context.Context, clientID int64, year, month int) (StartedCalculation, error) {
	body := map[string]any{
		"client_id": clientID,
		"year":      year,
		"month":     month,
	}
	var resp StartedCalculation
	err := c.do(ctx, http.MethodPost, "v1/co2/start-monthly-co2-calculation", body, &resp)
	return resp, err
}

// GroupProgress fetches the progress of a submitted batch.
func (c *Client) GroupProgress(ctx context.Context, groupID string) (Progress, error) {
	var resp Progress
	endpoint := fmt.Sprintf("v1/co2/task-group-progress/%s", url.PathEscape(groupID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MonthlyCO2 returns the per-day results for a client month.
func (c *Client) MonthlyCO2(ctx context.Context, clientID int64, year, month int) (MonthlyCO2, error) {
	var resp MonthlyCO2
	endpoint := fmt.Sprintf("v1/co2/client-monthly-co2?client_id=%d&year=%d&month=%d", clientID, year, month)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AnnualCO2 returns year totals across all clients.
func (c *Client) AnnualCO2(ctx context.Context) ([]AnnualCO2, error) {
	var resp struct {
		Clients []AnnualCO2 `json:"clients"`
	}
	err := c.do(ctx, http.MethodGet, "v1/co2/clients-annual-co2", nil, &resp)
	return resp.Clients, err
}

// Login mints a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/login/token", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.AccessToken
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// Package api is the dashboard client's HTTP wrapper around the plantsense
// server. It does no retrying of its own: the sync loop's fixed poll interval
// is the retry interval.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"plantsense/internal/model"
)

// ReadingsPage is the /user_data response.
type ReadingsPage struct {
	Readings    []model.Reading `json:"readings"`
	NewCursor   time.Time       `json:"new_cursor"`
	Total       int             `json:"total_readings"`
	Incremental bool            `json:"incremental"`
	Cached      bool            `json:"cached"`
}

// HistoryPage is the /user_data/historical response.
type HistoryPage struct {
	Readings []model.Reading `json:"readings"`
	Cooldown bool            `json:"cooldown"`
	InFlight bool            `json:"in_flight"`
}

// DevicesPage is the /devices response.
type DevicesPage struct {
	Devices []model.DeviceInfo `json:"devices"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchReadings performs an incremental fetch, or a cold-start fetch when
// cursor is nil.
func (c *Client) FetchReadings(ctx context.Context, cursor *time.Time, limit int) (*ReadingsPage, error) {
	params := url.Values{}
	if cursor != nil {
		params.Set("cursor", cursor.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var page ReadingsPage
	if err := c.get(ctx, "/user_data", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchHistory requests the sparse hourly history for the given window.
func (c *Client) FetchHistory(ctx context.Context, hours int) (*HistoryPage, error) {
	params := url.Values{}
	if hours > 0 {
		params.Set("hours", strconv.Itoa(hours))
	}
	var page HistoryPage
	if err := c.get(ctx, "/user_data/historical", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Devices lists the owner's devices.
func (c *Client) Devices(ctx context.Context) (*DevicesPage, error) {
	var page DevicesPage
	if err := c.get(ctx, "/devices", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, dst any) error {
	urlStr := c.baseURL + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

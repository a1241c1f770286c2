package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultSNCFBaseURL = "https://api.sncf.com/v1/coverage/sncf"

var ErrNoAPIKey = errors.New("sncf api key is not configured")

// Departure is one upcoming Line L departure from a stop area.
type Departure struct {
	Direction         string `json:"direction"`
	DepartureTime     string `json:"departure_time"`
	BaseDepartureTime string `json:"base_departure_time"`
	Line              string `json:"line"`
	StopArea          string `json:"stop_area"`
}

// Departures is the normalized lookup result.
type Departures struct {
	StopAreaID string      `json:"stop_area_id"`
	Count      int         `json:"count"`
	Departures []Departure `json:"departures"`
}

// Client queries the SNCF open API for Transilien Line L departures.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultSNCFBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Enabled() bool { return c.apiKey != "" }

type sncfResponse struct {
	Departures []struct {
		Departure struct {
			Direction struct {
				Name string `json:"name"`
			} `json:"direction"`
			StopDateTime struct {
				DepartureDateTime     string `json:"departure_date_time"`
				BaseDepartureDateTime string `json:"base_departure_date_time"`
			} `json:"stop_date_time"`
			Route struct {
				Line struct {
					Name string `json:"name"`
				} `json:"line"`
			} `json:"route"`
			StopPoint struct {
				StopArea struct {
					Name string `json:"name"`
				} `json:"stop_area"`
			} `json:"stop_point"`
		} `json:"departure"`
	} `json:"departures"`
}

// LineLDepartures returns the next departures for a stop area, clamped to
// [1,20] like the upstream API expects.
func (c *Client) LineLDepartures(ctx context.Context, stopAreaID string, count int) (Departures, error) {
	if !c.Enabled() {
		return Departures{}, ErrNoAPIKey
	}
	stopAreaID = strings.TrimSpace(stopAreaID)
	if stopAreaID == "" {
		return Departures{}, errors.New("stop_area_id is required")
	}
	if count < 1 {
		count = 1
	}
	if count > 20 {
		count = 20
	}

	params := url.Values{}
	params.Set("count", fmt.Sprintf("%d", count))
	params.Set("line", "line:L")

	endpoint := fmt.Sprintf("%s/stop_areas/%s/departures?%s", c.baseURL, url.PathEscape(stopAreaID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Departures{}, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")

	res, err := c.client.Do(req)
	if err != nil {
		return Departures{}, fmt.Errorf("sncf lookup failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Departures{}, fmt.Errorf("sncf lookup failed: status %d", res.StatusCode)
	}

	var parsed sncfResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Departures{}, fmt.Errorf("decode sncf response: %w", err)
	}

	out := Departures{
		StopAreaID: stopAreaID,
		Count:      count,
		Departures: make([]Departure, 0, len(parsed.Departures)),
	}
	for _, item := range parsed.Departures {
		d := item.Departure
		out.Departures = append(out.Departures, Departure{
			Direction:         d.Direction.Name,
			DepartureTime:     d.StopDateTime.DepartureDateTime,
			BaseDepartureTime: d.StopDateTime.BaseDepartureDateTime,
			Line:              d.Route.Line.Name,
			StopArea:          d.StopPoint.StopArea.Name,
		})
	}
	return out, nil
}

package transit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLineLDeparturesParsesResponse(t *testing.T) {
	var gotPath, gotUser, gotCount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		gotCount = r.URL.Query().Get("count")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"departures": [
				{"departure": {
					"direction": {"name": "Paris Saint-Lazare"},
					"stop_date_time": {"departure_date_time": "20260831T171500", "base_departure_date_time": "20260831T171200"},
					"route": {"line": {"name": "L"}},
					"stop_point": {"stop_area": {"name": "Becon-les-Bruyeres"}}
				}}
			]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	res, err := c.LineLDepartures(context.Background(), "stop_area:SNCF:87382002", 3)
	if err != nil {
		t.Fatalf("LineLDepartures() error = %v", err)
	}
	if len(res.Departures) != 1 {
		t.Fatalf("len(Departures) = %d, want 1", len(res.Departures))
	}
	d := res.Departures[0]
	if d.Direction != "Paris Saint-Lazare" {
		t.Errorf("Direction = %q, want %q", d.Direction, "Paris Saint-Lazare")
	}
	if d.DepartureTime != "20260831T171500" {
		t.Errorf("DepartureTime = %q, want %q", d.DepartureTime, "20260831T171500")
	}
	if d.Line != "L" {
		t.Errorf("Line = %q, want %q", d.Line, "L")
	}
	if !strings.Contains(gotPath, "stop_area:SNCF:87382002") {
		t.Errorf("request path = %q, missing stop area id", gotPath)
	}
	if gotUser != "test-key" {
		t.Errorf("basic auth user = %q, want %q", gotUser, "test-key")
	}
	if gotCount != "3" {
		t.Errorf("count param = %q, want %q", gotCount, "3")
	}
}

func TestLineLDeparturesClampsCount(t *testing.T) {
	var gotCount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCount = r.URL.Query().Get("count")
		w.Write([]byte(`{"departures": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	if _, err := c.LineLDepartures(context.Background(), "stop_area:x", 99); err != nil {
		t.Fatalf("LineLDepartures() error = %v", err)
	}
	if gotCount != "20" {
		t.Errorf("count param = %q, want %q", gotCount, "20")
	}
}

func TestLineLDeparturesRequiresKey(t *testing.T) {
	c := NewClient("http://localhost", "")
	if _, err := c.LineLDepartures(context.Background(), "stop_area:x", 3); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestLineLDeparturesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	if _, err := c.LineLDepartures(context.Background(), "stop_area:x", 3); err == nil {
		t.Fatal("LineLDepartures() error = nil, want upstream failure")
	}
}

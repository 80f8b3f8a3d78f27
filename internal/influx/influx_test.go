package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agrisync/core-go/internal/telemetry"
)

type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	query  string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(b))
		f.query = r.URL.RawQuery
		status := f.status
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		if status >= 300 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"rejected"}`))
			return
		}
		w.WriteHeader(status)
	default:
		http.NotFound(w, r)
	}
}

func float(v float64) *float64 { return &v }

func TestNewSaver_RejectsIncompleteConfig(t *testing.T) {
	if _, err := NewSaver(Config{URL: "http://localhost:8086"}); err == nil {
		t.Fatalf("expected error for incomplete config")
	}
}

func TestSaver_Save_WritesPointWithPresentReadingsOnly(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewSaver(Config{URL: srv.URL, Token: "t", Org: "farm", Bucket: "agri", Measurement: "soil readings"})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}
	defer s.Close()

	snap := telemetry.Snapshot{
		ID:          "4b0f0c43-5d1c-4f0e-9a43-8c1b1a2f0001",
		DeviceID:    "greenhouse-1",
		Temperature: float(21.5),
		CapturedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Save(context.Background(), snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.bodies) != 1 {
		t.Fatalf("expected one write, got %d", len(fake.bodies))
	}
	body := fake.bodies[0]
	if !strings.HasPrefix(body, "soil_readings,device_id=greenhouse-1 ") {
		t.Fatalf("unexpected measurement/tags in %q", body)
	}
	if !strings.Contains(body, "temperature=21.5") {
		t.Fatalf("expected temperature field in %q", body)
	}
	if !strings.Contains(body, "battery_level=0") {
		t.Fatalf("expected battery_level field in %q", body)
	}
	if strings.Contains(body, "humidity") {
		t.Fatalf("absent reading must not be written: %q", body)
	}
	if !strings.Contains(fake.query, "bucket=agri") || !strings.Contains(fake.query, "org=farm") {
		t.Fatalf("unexpected write query %q", fake.query)
	}
}

func TestSaver_Save_PropagatesServerRejection(t *testing.T) {
	fake := &fakeInflux{status: http.StatusBadRequest}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewSaver(Config{URL: srv.URL, Token: "t", Org: "farm", Bucket: "agri"})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}
	defer s.Close()

	err = s.Save(context.Background(), telemetry.Snapshot{ID: "x", DeviceID: "d", CapturedAt: time.Now()})
	if err == nil {
		t.Fatalf("expected write error")
	}
}

func TestSaver_Ping(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{})
	defer srv.Close()

	s, err := NewSaver(Config{URL: srv.URL, Token: "t", Org: "farm", Bucket: "agri"})
	if err != nil {
		t.Fatalf("new saver: %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSanitizeMeasurement(t *testing.T) {
	if got := sanitizeMeasurement(" soil moisture/v1 "); got != "soil_moisture_v1" {
		t.Fatalf("unexpected %q", got)
	}
}

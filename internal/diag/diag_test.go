package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ccroswhite/lora-hub/internal/logging"
	"github.com/ccroswhite/lora-hub/internal/session"
)

type fakeRegistry struct {
	count, discovered int
}

func (f fakeRegistry) Count() int           { return f.count }
func (f fakeRegistry) DiscoveredCount() int { return f.discovered }

func TestStatusEndpointReportsRegistryAndSessionState(t *testing.T) {
	reg := fakeRegistry{count: 2, discovered: 5}
	client := session.New(session.Config{DeviceID: "hub-1"}, logging.Default())
	client.State.Authenticated = true

	s := New(Config{Addr: "127.0.0.1:0", DeviceID: "hub-1", FirmwareVersion: "1.2.3"}, reg, client, logging.Default())
	s.RecordTelemetry(time.Unix(1700000000, 0))

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	st := s.status()
	if st.NodeCount != 2 || st.DiscoveredCount != 5 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !st.Authenticated {
		t.Fatal("expected authenticated to be true")
	}
	if st.LastTelemetryAt == "" {
		t.Fatal("expected last_telemetry_at to be set")
	}
	if st.DeviceID != "hub-1" || st.FirmwareVersion != "1.2.3" {
		t.Fatalf("unexpected identity fields: %+v", st)
	}
}

func TestHandleStatusServesJSON(t *testing.T) {
	reg := fakeRegistry{count: 1, discovered: 0}
	s := New(Config{DeviceID: "hub-2", FirmwareVersion: "9.9.9"}, reg, nil, logging.Default())

	rec := httpRecorder{header: make(http.Header)}
	s.handleStatus(&rec, nil)

	var got Status
	if err := json.Unmarshal(rec.body, &got); err != nil {
		t.Fatalf("unmarshal status response: %v", err)
	}
	if got.NodeCount != 1 || got.DeviceID != "hub-2" {
		t.Fatalf("unexpected json body: %+v", got)
	}
}

// httpRecorder is a minimal http.ResponseWriter stand-in so handlers can
// be exercised directly without binding a real listener.
type httpRecorder struct {
	header http.Header
	body   []byte
	status int
}

func (r *httpRecorder) Header() http.Header { return r.header }
func (r *httpRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return len(b), nil
}
func (r *httpRecorder) WriteHeader(status int) { r.status = status }

var _ io.Writer = (*httpRecorder)(nil)

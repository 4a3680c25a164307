// Package diag implements the hub's read-only diagnostics web page: a
// small net/http server exposing an HTML landing page and a JSON status
// snapshot, grounded on WebServerManager's "/" and "/status" routes
// (getHTMLHeader/handleRoot/getStatusJSON in the original firmware),
// adapted from a single-device status page to a hub reporting registry
// and session state.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ccroswhite/lora-hub/internal/logging"
	"github.com/ccroswhite/lora-hub/internal/registry"
	"github.com/ccroswhite/lora-hub/internal/session"
)

// Registry is the subset of *registry.Registry the diagnostics page
// reads; the registry's internal mutex makes these safe to call from the
// HTTP handler goroutine without routing through the dispatch loop.
type Registry interface {
	Count() int
	DiscoveredCount() int
}

var _ Registry = (*registry.Registry)(nil)

// Status is the JSON shape returned by GET /status.
type Status struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
	UptimeSeconds   int64  `json:"uptime_s"`
	Authenticated   bool   `json:"authenticated"`
	NodeCount       int    `json:"node_count"`
	DiscoveredCount int    `json:"discovered_count"`
	LastTelemetryAt string `json:"last_telemetry_at,omitempty"`
}

// Server is the diagnostics HTTP server.
type Server struct {
	deviceID string
	firmware string
	addr     string
	log      *logging.Logger

	reg    Registry
	client *session.Client

	startedAt       time.Time
	lastTelemetryMs atomic.Int64

	httpSrv *http.Server
}

// Config configures the diagnostics server.
type Config struct {
	Addr            string
	DeviceID        string
	FirmwareVersion string
}

// New creates a diagnostics Server reporting on reg and client.
func New(cfg Config, reg Registry, client *session.Client, log *logging.Logger) *Server {
	return &Server{
		deviceID:  cfg.DeviceID,
		firmware:  cfg.FirmwareVersion,
		addr:      cfg.Addr,
		log:       log,
		reg:       reg,
		client:    client,
		startedAt: time.Now(),
	}
}

// RecordTelemetry marks t as the time of the most recent telemetry
// sample sent upstream, surfaced as last_telemetry_at.
func (s *Server) RecordTelemetry(t time.Time) {
	s.lastTelemetryMs.Store(t.UnixMilli())
}

// Start begins serving in the background. It returns once the listener
// is bound; a failure after that point is logged, matching the
// fire-and-forget style of the original firmware's begin()/loop() split.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("diag: listen on %s: %w", s.addr, err)
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("diag: server error: %v", err)
		}
	}()
	s.log.Info("diag: web server started on %s", s.addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.log.Info("diag: web server stopped")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) status() Status {
	st := Status{
		DeviceID:        s.deviceID,
		FirmwareVersion: s.firmware,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		NodeCount:       s.reg.Count(),
		DiscoveredCount: s.reg.DiscoveredCount(),
	}
	if s.client != nil {
		st.Authenticated = s.client.State.Authenticated
	}
	if ms := s.lastTelemetryMs.Load(); ms != 0 {
		st.LastTelemetryAt = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

const htmlHeader = `<!DOCTYPE html><html><head>
<title>%s</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: Arial, sans-serif; margin: 20px; background: #f0f0f0; }
.container { background: white; padding: 20px; border-radius: 8px; max-width: 800px; margin: 0 auto; }
h1 { color: #333; }
.info { margin: 10px 0; padding: 10px; background: #e8f4f8; border-radius: 4px; }
.button { background: #007bff; color: white; padding: 10px 20px; text-decoration: none; border-radius: 4px; display: inline-block; margin: 5px; }
.button:hover { background: #0056b3; }
</style></head><body><div class="container">`

const htmlFooter = `</div></body></html>`

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, htmlHeader, st.DeviceID)
	fmt.Fprintf(w, "<h1>LoRa Hub</h1>")
	fmt.Fprintf(w, "<div class=\"info\"><strong>Device ID:</strong> %s</div>", st.DeviceID)
	fmt.Fprintf(w, "<div class=\"info\"><strong>Firmware:</strong> %s</div>", st.FirmwareVersion)
	fmt.Fprintf(w, "<div class=\"info\"><strong>Uptime:</strong> %ds</div>", st.UptimeSeconds)
	fmt.Fprintf(w, "<div class=\"info\"><strong>Authenticated:</strong> %t</div>", st.Authenticated)
	fmt.Fprintf(w, "<div class=\"info\"><strong>Adopted nodes:</strong> %d</div>", st.NodeCount)
	fmt.Fprintf(w, "<div class=\"info\"><strong>Discovered nodes:</strong> %d</div>", st.DiscoveredCount)
	if st.LastTelemetryAt != "" {
		fmt.Fprintf(w, "<div class=\"info\"><strong>Last telemetry:</strong> %s</div>", st.LastTelemetryAt)
	}
	fmt.Fprint(w, "<br><a href=\"/status\" class=\"button\">Status JSON</a>")
	fmt.Fprint(w, htmlFooter)
}

// Package web serves the node's JSON API to a local UI, plus a websocket
// stream of incoming alerts and Prometheus metrics.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bit2swaz/sosmesh/internal/alert"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/gorilla/mux"
)

//go:embed static/*
var staticFiles embed.FS

// Peers below this RSSI are drawn as marginal links.
const weakSignalDBm = -80

// Coordinator is the alert API the handlers call into.
type Coordinator interface {
	SendEmergencyAlert(ctx context.Context, loc protocol.Location, typ protocol.AlertType, message string) (alert.DeliveryOutcome, error)
	GetMeshPeers(ctx context.Context) ([]registry.Peer, error)
	GetNetworkStatus(ctx context.Context) (alert.SystemStatus, error)
	GetSettings(ctx context.Context) (alert.Settings, error)
	UpdateSettings(ctx context.Context, patch alert.SettingsPatch) (alert.Settings, error)
	RecentAlerts(ctx context.Context, limit int) ([]protocol.Envelope, error)
}

type Options struct {
	Port int
	Self protocol.PeerID
	Nick string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Stream  *StreamHub
}

type Server struct {
	coord   Coordinator
	self    protocol.PeerID
	nick    string
	port    int
	metrics http.Handler
	stream  *StreamHub
}

func NewServer(coord Coordinator, opts Options) *Server {
	s := &Server{
		coord:   coord,
		self:    opts.Self,
		nick:    opts.Nick,
		port:    opts.Port,
		metrics: opts.Metrics,
		stream:  opts.Stream,
	}
	if s.stream == nil {
		s.stream = NewStreamHub()
	}
	return s
}

func (s *Server) Stream() *StreamHub { return s.stream }

// Router builds the HTTP routes.
func (s *Server) Router() (*mux.Router, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/alerts", s.handleSendAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	api.HandleFunc("/graph", s.handleGraph).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.stream.HandleStream).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r, nil
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.stream.Close()
	}()

	slog.Info("Web server starting", "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.ParseFS(staticFiles, "static/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tmpl.Execute(w, map[string]string{"Nick": s.nick, "NodeID": string(s.self)})
}

type sendAlertRequest struct {
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	Type      protocol.AlertType `json:"type"`
	Message   string             `json:"message"`
}

func (s *Server) handleSendAlert(w http.ResponseWriter, r *http.Request) {
	var req sendAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.coord.SendEmergencyAlert(r.Context(), protocol.Location{Lat: req.Latitude, Lon: req.Longitude}, req.Type, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	alerts, err := s.coord.RecentAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []protocol.Envelope{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.coord.GetMeshPeers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if peers == nil {
		peers = []registry.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.GetNetworkStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		NodeID string `json:"nodeId"`
		Nick   string `json:"nick"`
		alert.SystemStatus
	}{string(s.self), s.nick, status})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.coord.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch alert.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	settings, err := s.coord.UpdateSettings(r.Context(), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	peers, err := s.coord.GetMeshPeers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type Node struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Color string `json:"color"`
		Shape string `json:"shape"`
	}
	type Link struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Signal int    `json:"signal"`
	}

	myID := string(s.self)
	nodes := []Node{{ID: myID, Label: "ME", Color: "#00FF00", Shape: "box"}}
	links := []Link{}
	for _, p := range peers {
		color := "#008800"
		if p.SignalStrength < weakSignalDBm {
			color = "#AA8800"
		}
		label := p.DisplayName
		if label == "" {
			label = shortID(string(p.ID))
		}
		nodes = append(nodes, Node{ID: string(p.ID), Label: label, Color: color, Shape: "dot"})
		links = append(links, Link{From: myID, To: string(p.ID), Signal: p.SignalStrength})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"links": links,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrInvalidLocation),
		errors.Is(err, protocol.ErrInvalidAlertType),
		errors.Is(err, protocol.ErrMessageTooLong),
		errors.Is(err, protocol.ErrInvalidMessage),
		errors.Is(err, alert.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

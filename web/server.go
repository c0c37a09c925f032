// Package web serves the browser UI of the convolution reverb: a static
// page, a JSON API and a websocket carrying state changes and meters.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnsupportedPlatform is returned when browser opening is not supported.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

const meterInterval = 50 * time.Millisecond

//go:embed static/*
var staticFiles embed.FS

// ReverbController defines the interface for controlling the reverb.
type ReverbController interface {
	GetWetLevel() float64
	GetDryLevel() float64
	SetWetLevel(level float64)
	SetDryLevel(level float64)
	Bypassed() bool
	SetBypassed(bypassed bool)
	SwitchIR(data []byte, irIndex int) (string, error)
	CurrentIR() (int, string)
	Latency() int
	IRSize() int
	SampleRate() float64
	GetMetrics(channel int) (inputLevel, outputLevel, reverbLevel float32)
}

// IREntry represents an impulse response entry for JSON serialization.
type IREntry struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	SampleRate float64 `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Samples    int     `json:"samples"`
	Duration   float64 `json:"duration"`
}

// Message represents a WebSocket message.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// StatePayload represents the current state.
type StatePayload struct {
	Wet        float64 `json:"wet"`
	Dry        float64 `json:"dry"`
	Bypassed   bool    `json:"bypassed"`
	IRIndex    int     `json:"irIndex"`
	IRName     string  `json:"irName"`
	IRSize     int     `json:"irSize"`
	Latency    int     `json:"latency"`
	SampleRate float64 `json:"sampleRate"`
}

// MetersPayload represents meter values in dB.
type MetersPayload struct {
	InL  float64 `json:"inL"`
	InR  float64 `json:"inR"`
	RevL float64 `json:"revL"`
	RevR float64 `json:"revR"`
	OutL float64 `json:"outL"`
	OutR float64 `json:"outR"`
}

// Server is the web server for the convolution reverb UI.
type Server struct {
	reverb        ReverbController
	irLibraryData []byte
	irList        []IREntry
	port          int
	hub           *Hub
	httpServer    *http.Server

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewServer creates a web server for reverb. irLibraryData is the library
// irList was read from; without it IR switching is disabled.
func NewServer(reverb ReverbController, irLibraryData []byte, irList []IREntry, port int) *Server {
	return &Server{
		reverb:        reverb,
		irLibraryData: irLibraryData,
		irList:        irList,
		port:          port,
		hub:           NewHub(),
		done:          make(chan struct{}),
	}
}

// Handler returns the HTTP handler and starts the websocket hub and the
// meter broadcast.
func (s *Server) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to create static file system: %w", err)
	}

	s.startOnce.Do(func() {
		go s.hub.Run(s.done)
		go s.meterBroadcastLoop()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/state", s.handleAPIState)
	mux.HandleFunc("/api/ir-list", s.handleAPIIRList)

	return mux, nil
}

// Start serves on the configured port until Shutdown.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Web server starting", "port", s.port, "url", fmt.Sprintf("http://localhost:%d", s.port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the background loops and gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleIndex serves the main HTML page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

//nolint:gochecknoglobals // WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// handleWebSocket handles WebSocket connections.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	// Initial state is queued before registering, ahead of any broadcast.
	s.send(client, Message{Type: "state", Payload: s.state()})
	s.send(client, Message{Type: "ir_list", Payload: s.irList})

	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(s.handleClientMessage)
}

func (s *Server) state() StatePayload {
	index, name := s.reverb.CurrentIR()

	return StatePayload{
		Wet:        s.reverb.GetWetLevel(),
		Dry:        s.reverb.GetDryLevel(),
		Bypassed:   s.reverb.Bypassed(),
		IRIndex:    index,
		IRName:     name,
		IRSize:     s.reverb.IRSize(),
		Latency:    s.reverb.Latency(),
		SampleRate: s.reverb.SampleRate(),
	}
}

// send queues msg for one client.
func (s *Server) send(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		slog.Warn("WebSocket client buffer full, dropping message", "type", msg.Type)
	}
}

// handleClientMessage applies a control message. Level and IR changes are
// broadcast by the reverb's state listener callbacks.
func (s *Server) handleClientMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse WebSocket message", "error", err)
		return
	}

	payload, _ := msg.Payload.(map[string]interface{})

	switch msg.Type {
	case "set_wet":
		if value, ok := payload["value"].(float64); ok {
			s.reverb.SetWetLevel(value)
		}

	case "set_dry":
		if value, ok := payload["value"].(float64); ok {
			s.reverb.SetDryLevel(value)
		}

	case "set_bypass":
		if value, ok := payload["value"].(bool); ok {
			s.reverb.SetBypassed(value)
			s.broadcast(Message{Type: "param_changed", Payload: map[string]interface{}{
				"param": "bypass",
				"value": value,
			}})
		}

	case "set_ir":
		index, ok := payload["index"].(float64)
		if !ok || len(s.irLibraryData) == 0 {
			return
		}

		if _, err := s.reverb.SwitchIR(s.irLibraryData, int(index)); err != nil {
			slog.Error("Failed to switch IR", "index", int(index), "error", err)
			s.broadcast(Message{Type: "error", Payload: map[string]interface{}{
				"message": err.Error(),
			}})
		}

	default:
		slog.Warn("Unknown WebSocket message", "type", msg.Type)
	}
}

// broadcast sends msg to all clients.
func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	s.hub.Broadcast(data)
}

// broadcastParamChange broadcasts a parameter change to all clients.
func (s *Server) broadcastParamChange(param string, value float64) {
	s.broadcast(Message{
		Type: "param_changed",
		Payload: map[string]interface{}{
			"param": param,
			"value": value,
		},
	})
}

// EnginePayload describes the engine in use. It changes when a loaded IR
// is installed on the audio thread, after the ir_changed message.
type EnginePayload struct {
	IRSize  int `json:"irSize"`
	Latency int `json:"latency"`
}

// meterBroadcastLoop broadcasts meter values, and engine changes, until
// Shutdown.
func (s *Server) meterBroadcastLoop() {
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()

	var last EnginePayload

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		if s.hub.ClientCount() == 0 {
			continue
		}

		engine := EnginePayload{IRSize: s.reverb.IRSize(), Latency: s.reverb.Latency()}
		if engine != last {
			last = engine
			s.broadcast(Message{Type: "engine", Payload: engine})
		}

		s.broadcast(Message{Type: "meters", Payload: s.meters()})
	}
}

func (s *Server) meters() MetersPayload {
	inL, outL, revL := s.reverb.GetMetrics(0)
	inR, outR, revR := s.reverb.GetMetrics(1)

	return MetersPayload{
		InL:  linToDB(inL),
		InR:  linToDB(inR),
		RevL: linToDB(revL),
		RevR: linToDB(revR),
		OutL: linToDB(outL),
		OutR: linToDB(outR),
	}
}

// linToDB converts linear amplitude to dB, clamped to [-96, 6].
func linToDB(l float32) float64 {
	if l <= 1e-9 {
		return -96.0
	}

	return min(6.0, max(-96.0, 20*math.Log10(float64(l))))
}

// handleAPIState handles the REST API state endpoint.
func (s *Server) handleAPIState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errchkjson // StatePayload is a well-defined struct
	_ = json.NewEncoder(w).Encode(s.state())
}

// handleAPIIRList handles the REST API IR list endpoint.
func (s *Server) handleAPIIRList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errchkjson // IREntry slice is well-defined
	_ = json.NewEncoder(w).Encode(s.irList)
}

// OnWetLevelChange is called when the wet level changes (StateListener).
func (s *Server) OnWetLevelChange(level float64) {
	s.broadcastParamChange("wet", level)
}

// OnDryLevelChange is called when the dry level changes (StateListener).
func (s *Server) OnDryLevelChange(level float64) {
	s.broadcastParamChange("dry", level)
}

// OnIRChange is called when a new IR is in use (StateListener).
func (s *Server) OnIRChange(index int, name string) {
	s.broadcast(Message{
		Type: "ir_changed",
		Payload: map[string]interface{}{
			"index": index,
			"name":  name,
		},
	})
}

// OpenBrowser opens the default browser to the specified URL.
func OpenBrowser(url string) error {
	ctx := context.Background()
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", url)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}

	return cmd.Start()
}

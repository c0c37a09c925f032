package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeReverb struct {
	mu       sync.Mutex
	wet, dry float64
	bypassed bool
	irIndex  int
	irName   string
	switched []int
}

func (f *fakeReverb) GetWetLevel() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wet
}

func (f *fakeReverb) GetDryLevel() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dry
}

func (f *fakeReverb) SetWetLevel(level float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wet = level
}

func (f *fakeReverb) SetDryLevel(level float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dry = level
}

func (f *fakeReverb) Bypassed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bypassed
}

func (f *fakeReverb) SetBypassed(bypassed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bypassed = bypassed
}

func (f *fakeReverb) SwitchIR(_ []byte, irIndex int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.switched = append(f.switched, irIndex)
	if irIndex > 1 {
		return "", errors.New("IR index out of range")
	}

	return "Hall", nil
}

func (f *fakeReverb) CurrentIR() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.irIndex, f.irName
}

func (f *fakeReverb) Latency() int        { return 256 }
func (f *fakeReverb) IRSize() int         { return 48000 }
func (f *fakeReverb) SampleRate() float64 { return 48000 }

func (f *fakeReverb) GetMetrics(int) (float32, float32, float32) { return 0.5, 0.25, 0 }

var testIRList = []IREntry{
	{Index: 0, Name: "Room", Category: "Rooms", SampleRate: 48000, Channels: 2, Samples: 24000, Duration: 0.5},
	{Index: 1, Name: "Hall", Category: "Halls", SampleRate: 48000, Channels: 2, Samples: 96000, Duration: 2},
}

func newTestServer(t *testing.T) (*Server, *fakeReverb, *httptest.Server) {
	t.Helper()

	reverb := &fakeReverb{wet: 0.3, dry: 0.7, irName: "Room"}
	srv := NewServer(reverb, []byte("library"), testIRList, 0)

	handler, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(handler)

	t.Cleanup(func() {
		ts.Close()

		if err := srv.Shutdown(context.Background()); err != nil {
			t.Error(err)
		}
	})

	return srv, reverb, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	t.Cleanup(func() { conn.Close() })

	return conn
}

type rawMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	var msg rawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}

	return msg
}

// readUntil skips meter and engine updates until a message of type typ.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	for {
		msg := readMessage(t, conn)
		if msg.Type != typ {
			continue
		}

		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			t.Fatal(err)
		}

		return
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	if err := conn.WriteJSON(Message{Type: typ, Payload: payload}); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketInitialState(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)
	conn := dial(t, ts)

	first := readMessage(t, conn)
	if first.Type != "state" {
		t.Fatalf("first message = %q, want state", first.Type)
	}

	var state StatePayload
	if err := json.Unmarshal(first.Payload, &state); err != nil {
		t.Fatal(err)
	}

	want := StatePayload{Wet: 0.3, Dry: 0.7, IRName: "Room", IRSize: 48000, Latency: 256, SampleRate: 48000}
	if state != want {
		t.Errorf("state = %+v, want %+v", state, want)
	}

	second := readMessage(t, conn)
	if second.Type != "ir_list" {
		t.Fatalf("second message = %q, want ir_list", second.Type)
	}

	var list []IREntry
	if err := json.Unmarshal(second.Payload, &list); err != nil {
		t.Fatal(err)
	}

	if len(list) != 2 || list[1].Name != "Hall" {
		t.Errorf("ir_list = %+v", list)
	}

	var engine EnginePayload
	readUntil(t, conn, "engine", &engine)

	if engine.IRSize != 48000 || engine.Latency != 256 {
		t.Errorf("engine = %+v", engine)
	}

	var meters MetersPayload
	readUntil(t, conn, "meters", &meters)

	if meters.InL > -5.9 || meters.InL < -6.1 || meters.RevL != -96 {
		t.Errorf("meters = %+v", meters)
	}
}

func TestWebSocketControl(t *testing.T) {
	t.Parallel()

	srv, reverb, ts := newTestServer(t)
	conn := dial(t, ts)
	other := dial(t, ts)
	waitFor(t, func() bool { return srv.hub.ClientCount() == 2 })

	sendMessage(t, conn, "set_bypass", map[string]any{"value": true})

	// Both clients see the change.
	for _, c := range []*websocket.Conn{conn, other} {
		var change struct {
			Param string `json:"param"`
			Value bool   `json:"value"`
		}
		readUntil(t, c, "param_changed", &change)

		if change.Param != "bypass" || !change.Value {
			t.Errorf("param_changed = %+v", change)
		}
	}

	if !reverb.Bypassed() {
		t.Error("reverb not bypassed")
	}

	sendMessage(t, conn, "set_wet", map[string]any{"value": 0.5})
	sendMessage(t, conn, "set_dry", map[string]any{"value": 0.25})
	waitFor(t, func() bool { return reverb.GetWetLevel() == 0.5 && reverb.GetDryLevel() == 0.25 })

	// Level changes are broadcast by the reverb's listener.
	srv.OnWetLevelChange(0.5)

	var level struct {
		Param string  `json:"param"`
		Value float64 `json:"value"`
	}
	readUntil(t, other, "param_changed", &level)

	if level.Param != "wet" || level.Value != 0.5 {
		t.Errorf("param_changed = %+v", level)
	}

	sendMessage(t, conn, "set_ir", map[string]any{"index": 5})

	var failure struct {
		Message string `json:"message"`
	}
	readUntil(t, conn, "error", &failure)

	if !strings.Contains(failure.Message, "out of range") {
		t.Errorf("error = %q", failure.Message)
	}

	srv.OnIRChange(1, "Hall")

	var changed struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
	}
	readUntil(t, other, "ir_changed", &changed)

	if changed.Index != 1 || changed.Name != "Hall" {
		t.Errorf("ir_changed = %+v", changed)
	}
}

func TestAPI(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)

	get := func(path string) *http.Response {
		t.Helper()

		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}

		t.Cleanup(func() { resp.Body.Close() })

		return resp
	}

	var state StatePayload
	if err := json.NewDecoder(get("/api/state").Body).Decode(&state); err != nil {
		t.Fatal(err)
	}

	if state.IRName != "Room" || state.Wet != 0.3 {
		t.Errorf("state = %+v", state)
	}

	var list []IREntry
	if err := json.NewDecoder(get("/api/ir-list").Body).Decode(&list); err != nil {
		t.Fatal(err)
	}

	if len(list) != len(testIRList) {
		t.Errorf("ir-list has %d entries", len(list))
	}

	index := get("/")
	if index.StatusCode != http.StatusOK || !strings.HasPrefix(index.Header.Get("Content-Type"), "text/html") {
		t.Errorf("index: %d %s", index.StatusCode, index.Header.Get("Content-Type"))
	}

	if resp := get("/missing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("/missing: status %d", resp.StatusCode)
	}
}

func TestShutdownRejectsClients(t *testing.T) {
	t.Parallel()

	srv, _, ts := newTestServer(t)

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, ts)

	// The connection is closed after the initial messages.
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection left open after shutdown")
			}

			return
		}
	}
}

func TestLinToDB(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want float64
	}{
		{0, -96},
		{1e-12, -96},
		{1, 0},
		{0.1, -20},
		{10, 6},
	}

	for _, tt := range tests {
		if got := linToDB(tt.in); got < tt.want-1e-6 || got > tt.want+1e-6 {
			t.Errorf("linToDB(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"geostream.dev/internal/geom"
	"geostream.dev/internal/protocol"
	"geostream.dev/internal/stream"
)

// countingEngine records transport-driven engine calls.
type countingEngine struct {
	mu      sync.Mutex
	cameras int
	updates int
	binds   []stream.Scene
}

func (e *countingEngine) Config() stream.Config {
	cfg := stream.Defaults()
	cfg.UseCache = false
	cfg.SleepDelayMs = 50
	return cfg
}

func (e *countingEngine) Model() stream.ModelHandle {
	return stream.ModelHandle{TilesetID: "test", ObjectCount: 3}
}

func (e *countingEngine) Stats() stream.Stats { return stream.Stats{} }

func (e *countingEngine) BindScene(s stream.Scene) {
	e.mu.Lock()
	e.binds = append(e.binds, s)
	e.mu.Unlock()
}

func (e *countingEngine) SetCamera(geom.Camera) {
	e.mu.Lock()
	e.cameras++
	e.mu.Unlock()
}

func (e *countingEngine) SetUpdateNeeded() {
	e.mu.Lock()
	e.updates++
	e.mu.Unlock()
}

func (e *countingEngine) counts() (cameras, updates int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cameras, e.updates
}

func (e *countingEngine) lastBind() (stream.Scene, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.binds) == 0 {
		return nil, 0
	}
	return e.binds[len(e.binds)-1], len(e.binds)
}

func newTestServer(t *testing.T) (*countingEngine, string, func()) {
	t.Helper()
	engine := &countingEngine{}
	srv := httptest.NewServer(NewServer(engine, log.New(io.Discard, "", 0)).Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return engine, url, srv.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sayHello(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	return welcome
}

func TestHandshakeAndDebouncedCameraTrigger(t *testing.T) {
	engine, url, stop := newTestServer(t)
	defer stop()

	conn := dial(t, url)
	defer conn.Close()

	welcome := sayHello(t, conn)
	if welcome.Type != protocol.TypeWelcome || welcome.TilesetID != "test" || welcome.ObjectCount != 3 {
		t.Fatalf("welcome = %+v", welcome)
	}
	if scene, n := engine.lastBind(); n != 1 || scene == nil {
		t.Fatalf("handshake should bind a viewer scene, binds = %d", n)
	}

	// A burst of poses within the sleep delay: every pose reaches the
	// engine, but only one culling pass fires once the camera goes idle.
	for i := 0; i < 5; i++ {
		msg := protocol.CameraMsg{Type: protocol.TypeCamera, ProtocolVersion: protocol.Version}
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write camera: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		cameras, updates := engine.counts()
		if cameras == 5 && updates == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cameras = %d updates = %d, want 5 poses and 1 trigger", cameras, updates)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Idle long past the delay: no further triggers without new poses.
	time.Sleep(150 * time.Millisecond)
	if _, updates := engine.counts(); updates != 1 {
		t.Fatalf("updates = %d after idle, want 1", updates)
	}
}

func TestHandshakeRejectsBadProtocolVersion(t *testing.T) {
	engine, url, stop := newTestServer(t)
	defer stop()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.0"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("bad protocol_version should close the connection")
	}
	if scene, _ := engine.lastBind(); scene != nil {
		t.Fatalf("rejected handshake bound a scene")
	}
}

func TestSecondViewerRefused(t *testing.T) {
	_, url, stop := newTestServer(t)
	defer stop()

	first := dial(t, url)
	sayHello(t, first)

	second := dial(t, url)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("read refusal: %v", err)
	}
	var em protocol.ErrorMsg
	if err := json.Unmarshal(msg, &em); err != nil {
		t.Fatalf("unmarshal refusal: %v", err)
	}
	if em.Type != protocol.TypeError || em.Code != protocol.ErrViewerBusy {
		t.Fatalf("refusal = %+v, want %s", em, protocol.ErrViewerBusy)
	}

	// The slot frees when the first viewer disconnects.
	_ = first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		third := dial(t, url)
		if err := third.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}); err != nil {
			t.Fatalf("write hello: %v", err)
		}
		_ = third.SetReadDeadline(time.Now().Add(2 * time.Second))
		var welcome protocol.WelcomeMsg
		err := third.ReadJSON(&welcome)
		_ = third.Close()
		if err == nil && welcome.Type == protocol.TypeWelcome {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("viewer slot never released: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

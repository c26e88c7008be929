// Package ws serves viewers over websocket. A viewer sends HELLO then CAMERA
// poses; the server debounces pose traffic into camera-idle ("sleep")
// triggers for the engine and streams geometry add/remove messages back. One
// viewer drives the engine at a time; additional connections are refused.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gorilla/websocket"

	"geostream.dev/internal/geom"
	"geostream.dev/internal/protocol"
	"geostream.dev/internal/stream"
	"geostream.dev/internal/tile"
)

// Engine is the coordinator surface the transport drives.
type Engine interface {
	Config() stream.Config
	Model() stream.ModelHandle
	Stats() stream.Stats
	BindScene(stream.Scene)
	SetCamera(geom.Camera)
	SetUpdateNeeded()
}

type Server struct {
	engine Engine
	log    *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	busy bool
}

func NewServer(engine Engine, logger *log.Logger) *Server {
	return &Server{
		engine: engine,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !s.acquire() {
			b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrViewerBusy})
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, b)
			return
		}
		defer s.release()

		out, ok := s.handshake(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		scene := &viewerScene{out: out, log: s.log}
		s.engine.BindScene(scene)
		defer s.engine.BindScene(nil)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Stats push (includes the debug-box side channel when enabled).
		go func() {
			t := time.NewTicker(2 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					st := s.engine.Stats()
					b, _ := json.Marshal(protocol.StatsMsg{
						Type:       protocol.TypeStats,
						Passes:     st.Passes,
						NetFetches: st.NetFetches,
						CacheHits:  st.CacheHits,
						Visible:    st.Visible,
						Hidden:     st.Hidden,
						Lost:       st.Lost,
						DebugBoxes: st.DebugBoxes,
					})
					select {
					case out <- b:
					default:
					}
				}
			}
		}()

		// Camera poses arrive continuously; the culling pass fires only
		// once the camera has been idle for the configured delay.
		sleep := debounce.New(s.engine.Config().SleepDelay())

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeCamera {
				continue
			}
			var cm protocol.CameraMsg
			if err := json.Unmarshal(msg, &cm); err != nil {
				continue
			}
			if cm.ProtocolVersion != protocol.Version {
				continue
			}
			s.engine.SetCamera(cm.Camera)
			sleep(s.engine.SetUpdateNeeded)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (out chan []byte, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil, false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil, false
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 256
	}
	if maxQ > 4096 {
		maxQ = 4096
	}
	out = make(chan []byte, maxQ)

	cfg := s.engine.Config()
	model := s.engine.Model()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		TilesetID:       model.TilesetID,
		ObjectCount:     model.ObjectCount,
		EngineParams: protocol.EngineParams{
			Threshold:     cfg.Threshold,
			BBoxThreshold: cfg.BBoxThreshold,
			MaxHiddenMs:   int64(cfg.MaxHiddenTimeMs),
			MaxLostMs:     int64(cfg.MaxLostTimeMs),
			UseCache:      cfg.UseCache,
		},
	}
	b, _ := json.Marshal(welcome)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil, false
	}
	return out, true
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// viewerScene realizes the engine's scene boundary as wire messages to the
// connected viewer.
type viewerScene struct {
	out chan []byte
	log *log.Logger
}

func (v *viewerScene) AddObjectGeometry(id tile.ObjectID, key tile.ContentKey, payload []byte) {
	b, _ := json.Marshal(protocol.GeomAddMsg{Type: protocol.TypeGeomAdd, ObjectID: id, Key: key, Payload: payload})
	v.send(b)
}

func (v *viewerScene) RemoveObjectGeometry(id tile.ObjectID, key tile.ContentKey) {
	b, _ := json.Marshal(protocol.GeomRemoveMsg{Type: protocol.TypeGeomRemove, ObjectID: id, Key: key})
	v.send(b)
}

func (v *viewerScene) send(b []byte) {
	// Scene calls run on the engine loop; a stalled viewer must not stall
	// the engine, so an overfull queue drops the message.
	select {
	case v.out <- b:
	default:
		if v.log != nil {
			v.log.Printf("viewer queue full, dropping message")
		}
	}
}

package httpapi

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"jobkit/internal/eventbus"
	logx "jobkit/pkg/logx"
)

const (
	wsBuffer       = 64
	wsWriteTimeout = 5 * time.Second
	wsPingEvery    = 30 * time.Second
)

// wsStream pushes bus events to websocket clients as JSON. Each client owns
// a bus subscription, so a slow client only drops its own events.
//
// ?topics=a,b restricts the stream to the named topics.
type wsStream struct {
	bus      eventbus.Bus
	log      logx.Logger
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

func newWSStream(bus eventbus.Bus, log logx.Logger) *wsStream {
	return &wsStream{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (s *wsStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	n := s.clients.Add(1)
	s.log.Info("websocket client connected", logx.Int64("clients", n))

	events, unsubscribe := s.bus.Subscribe(wsBuffer)
	closed := make(chan struct{})
	defer func() {
		unsubscribe()
		_ = conn.Close()
		n := s.clients.Add(-1)
		s.log.Info("websocket client disconnected", logx.Int64("clients", n))
	}()

	// Reads only detect the client going away.
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if len(topics) > 0 && !topics[ev.Type] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return
			}
		}
	}
}

func (s *wsStream) Clients() int64 { return s.clients.Load() }

func parseTopics(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := map[string]bool{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}

package ws

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helios-os/helios/internal/events"
	"github.com/helios-os/helios/internal/monitoring"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // introspection surface, origin policy handled upstream
	},
}

// Handler manages WebSocket event subscriptions.
type Handler struct {
	bus     *events.Bus
	metrics *monitoring.Metrics
	log     *zap.Logger
	buffer  int
}

// NewHandler creates a WebSocket handler over the event bus. Metrics may be
// nil.
func NewHandler(bus *events.Bus, metrics *monitoring.Metrics, log *zap.Logger, buffer int) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{bus: bus, metrics: metrics, log: log, buffer: buffer}
}

// HandleConnection upgrades the request and forwards bus events until the
// client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	token, ch := h.bus.Subscribe(h.buffer)
	defer h.bus.Unsubscribe(token)

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}
	h.log.Debug("event subscriber connected", zap.String("token", token))

	_ = h.send(conn, map[string]any{
		"type":  "welcome",
		"token": token,
	})

	// Reader goroutine: its only job is to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := h.send(conn, ev); err != nil {
				h.log.Debug("event subscriber write failed",
					zap.String("token", token), zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxClientMessage = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers are served from other origins; there is no auth to protect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsTransport adapts a gorilla websocket connection. Writes only ever come
// from the connection's writer goroutine.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Write(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// ServeWS upgrades the request and subscribes the client under the
// application context given by the app query parameter. It returns when the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := h.Subscribe(&wsTransport{conn: conn, writeTimeout: h.opts.WriteTimeout}, r.URL.Query().Get("app"))
	defer h.Unsubscribe(c.ID)

	conn.SetReadLimit(maxClientMessage)
	for {
		// No read deadline: a silent client is left to reconnect on its own.
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.String("id", c.ID), zap.Error(err))
			}
			return
		}
		h.handleClientMessage(c, data)
	}
}

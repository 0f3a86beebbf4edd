package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// statusSocket pushes the status payload to dashboard websocket clients once
// per second, saving the page its polling loop.
type statusSocket struct {
	server     *Server
	upgrader   websocket.Upgrader
	clientsMux sync.RWMutex
	clients    map[*websocket.Conn]*connInfo
}

type connInfo struct {
	conn     *websocket.Conn
	writeMux sync.Mutex
}

func newStatusSocket(server *Server) *statusSocket {
	return &statusSocket{
		server: server,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*connInfo),
	}
}

func (ss *statusSocket) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := ss.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	client := &connInfo{conn: conn}

	ss.clientsMux.Lock()
	ss.clients[conn] = client
	ss.clientsMux.Unlock()
	logger.Infof("Status websocket client connected %s", r.RemoteAddr)

	defer func() {
		ss.clientsMux.Lock()
		delete(ss.clients, conn)
		ss.clientsMux.Unlock()
		conn.Close()
		logger.Infof("Status websocket client disconnected %s", r.RemoteAddr)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain reads so close frames are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// First update immediately, then once per second.
	if err := ss.push(client); err != nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ss.push(client); err != nil {
				return
			}
		case <-done:
			return
		case <-ss.server.ctx.Done():
			return
		}
	}
}

func (ss *statusSocket) push(client *connInfo) error {
	client.writeMux.Lock()
	defer client.writeMux.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(ss.server.cfg.IOTimeout))
	return client.conn.WriteJSON(ss.server.status())
}

func (ss *statusSocket) closeAll() {
	ss.clientsMux.Lock()
	defer ss.clientsMux.Unlock()
	for conn := range ss.clients {
		conn.Close()
	}
}

package api

import (
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the API only listens on the device
		return true
	},
}

// statusStreamHandler serves WS /api/status/stream
// Sends the current status, then every change to it
func (e *apiEnv) statusStreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("failed to upgrade status stream", "error", err)
		return
	}
	defer conn.Close()

	// detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := e.sources.Status.Status()
	if err := conn.WriteJSON(last); err != nil {
		return
	}

	ticker := time.NewTicker(e.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			st := e.sources.Status.Status()
			if reflect.DeepEqual(st, last) {
				continue
			}
			if err := conn.WriteJSON(st); err != nil {
				return
			}
			last = st
		}
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const streamPollInterval = 500 * time.Millisecond

// handleExecutionStream upgrades to a websocket and pushes the named
// execution's ActiveExecution snapshot every streamPollInterval until it
// reaches a terminal state, the engine stops tracking it, or the client
// disconnects. The engine stops tracking an execution as soon as Execute
// returns, so the stream usually closes without sending a frame in a
// terminal state. The engine has no
// internal event bus for per-execution state changes (GetStatus is a
// point-in-time snapshot), so this polls rather than subscribes — the
// same tradeoff C12's HTTP handlers already make for GetActiveExecutions.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.engine.GetStatus(id); !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such execution")
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		active, ok := s.engine.GetStatus(id)
		if !ok {
			return
		}
		if err := conn.WriteJSON(active); err != nil {
			return
		}
		if active.State.IsTerminal() {
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

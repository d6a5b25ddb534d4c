package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/types"
)

func TestExecutionStreamPushesSnapshotsUntilTerminal(t *testing.T) {
	s, reg := testServer(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := reg.Register(types.HandlerDefinition{
		Name:        "slow",
		Version:     "1.0.0",
		IntentTypes: []string{"slow"},
		Handler: func(ctx types.ExecutionContext, cancel <-chan struct{}) (map[string]interface{}, error) {
			started <- struct{}{}
			<-release
			return map[string]interface{}{"ok": true}, nil
		},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	execID := "exec-stream-1"
	go func() {
		_, _ = s.engine.Execute(context.Background(), types.ExecutionContext{
			ExecutionID: execID,
			TenantID:    "tenant-a",
			Intent:      types.Intent{ID: "intent-1", IntentType: "slow"},
			Decision:    types.Decision{Action: types.ActionAllow},
			Metadata:    map[string]interface{}{},
		})
	}()
	<-started

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/executions/" + execID + "/stream"
	header := make(map[string][]string)
	header["X-Tenant-ID"] = []string{"tenant-a"}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var first types.ActiveExecution
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, execID, first.ExecutionID)
	assert.False(t, first.State.IsTerminal())

	close(release)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var snapshot types.ActiveExecution
		if err := conn.ReadJSON(&snapshot); err != nil {
			break
		}
		if snapshot.State.IsTerminal() {
			return
		}
	}
}

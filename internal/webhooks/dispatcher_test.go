package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	ts := time.Now().Unix()
	sig := Sign("secret", ts, body)
	assert.True(t, Verify("secret", ts, body, sig, 300*time.Second, time.Now()))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	ts := time.Now().Add(-10 * time.Minute).Unix()
	sig := Sign("secret", ts, body)
	assert.False(t, Verify("secret", ts, body, sig, 300*time.Second, time.Now()))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	ts := time.Now().Unix()
	sig := Sign("secret", ts, []byte(`{"a":1}`))
	assert.False(t, Verify("secret", ts, []byte(`{"a":2}`), sig, 300*time.Second, time.Now()))
}

func TestEmitDeliversToMatchingSubscribers(t *testing.T) {
	var mu sync.Mutex
	var received []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		received = append(received, evt.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{URL: server.URL, Events: []EventType{EventExecutionCompleted}, TenantID: "tenant-a", Secret: "shh"}))

	d := NewDispatcher(reg, 2)
	defer d.Shutdown()

	d.Emit(EventExecutionCompleted, "tenant-a", map[string]interface{}{"k": "v"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEmitSkipsMismatchedTenant(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{URL: "http://example.invalid", Events: []EventType{EventExecutionFailed}, TenantID: "tenant-b"}))

	d := NewDispatcher(reg, 1)
	defer d.Shutdown()

	d.Emit(EventExecutionFailed, "tenant-a", nil)
	assert.Equal(t, 0, len(d.queue))
}

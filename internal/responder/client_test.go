package responder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielBielll/zapflow/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "silent")
}

func TestClient_Respond(t *testing.T) {
	var seen Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		json.NewEncoder(w).Encode(map[string]string{"response": "tudo certo!"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	reply, err := c.Respond(context.Background(), Request{
		Body:      "oi",
		From:      "5511987654321@c.us",
		ChannelID: "ch1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tudo certo!", reply)
	assert.Equal(t, "oi", seen.Body)
	assert.Equal(t, "ch1", seen.ChannelID)
}

func TestClient_RespondErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	_, err := c.Respond(context.Background(), Request{Body: "oi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestClient_RespondBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{broken")
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	_, err := c.Respond(context.Background(), Request{Body: "oi"})
	assert.Error(t, err)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	reply, err := c.Respond(context.Background(), Request{Body: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, 2, attempts)
}

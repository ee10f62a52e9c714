package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielBielll/zapflow/internal/domain"
)

// fakeWAHA scripts a WAHA server: each status probe consumes the next
// entry in statuses (the last one repeats), with "" meaning 404.
type fakeWAHA struct {
	mu        sync.Mutex
	statuses  []string
	probeIdx  int
	qr        string
	started   int
	stopped   int
	sends     []map[string]any
	lastKey   string
	probeGate chan struct{}
}

func (f *fakeWAHA) nextStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	s := f.statuses[f.probeIdx]
	if f.probeIdx < len(f.statuses)-1 {
		f.probeIdx++
	}
	return s
}

func (f *fakeWAHA) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions/default", func(w http.ResponseWriter, r *http.Request) {
		if f.probeGate != nil {
			<-f.probeGate
		}
		f.mu.Lock()
		f.lastKey = r.Header.Get("X-Api-Key")
		f.mu.Unlock()
		status := f.nextStatus()
		if status == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "default", "status": status})
	})

	mux.HandleFunc("POST /api/sessions/start", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.started++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"name": "default", "status": "STARTING"})
	})

	mux.HandleFunc("GET /api/sessions/default/auth/qr", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"qr": f.qr})
	})

	mux.HandleFunc("POST /api/sendText", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		f.sends = append(f.sends, payload)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": "msg-1"})
	})

	mux.HandleFunc("POST /api/sessions/default/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestWAHADriver(t *testing.T, fake *fakeWAHA, opts WAHAOptions) *wahaDriver {
	t.Helper()
	opts.BaseURL = fake.server(t).URL
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.MaxPollAttempts == 0 {
		opts.MaxPollAttempts = 10
	}
	return newWAHADriver("ch1", opts, testLogger())
}

func TestWAHA_InitializeAlreadyConnected(t *testing.T) {
	fake := &fakeWAHA{statuses: []string{"WORKING"}}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	token, err := d.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyConnected, token)
	assert.Equal(t, domain.StatusReady, d.Status().Status)
	assert.Zero(t, fake.started, "should not restart a working session")
}

func TestWAHA_InitializeReturnsQR(t *testing.T) {
	fake := &fakeWAHA{
		statuses: []string{"", "STARTING", "SCAN_QR_CODE"},
		qr:       "qr-payload",
	}
	d := newTestWAHADriver(t, fake, WAHAOptions{APIKey: "sekrit"})

	token, err := d.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "qr-payload", token)
	assert.Equal(t, 1, fake.started)
	assert.Equal(t, "sekrit", fake.lastKey)

	status := d.Status()
	assert.Equal(t, domain.StatusAwaitingScan, status.Status)
	assert.True(t, status.HasQR)
	assert.Equal(t, "qr-payload", status.QR)
}

func TestWAHA_InitializeConnectsWithoutQR(t *testing.T) {
	fake := &fakeWAHA{statuses: []string{"", "STARTING", "WORKING"}}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	token, err := d.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Connected, token)
	assert.Equal(t, domain.StatusReady, d.Status().Status)
}

func TestWAHA_InitializeSessionFailed(t *testing.T) {
	fake := &fakeWAHA{statuses: []string{"", "FAILED"}}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	_, err := d.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StatusError, d.Status().Status)
}

func TestWAHA_InitializePollBudgetExhausted(t *testing.T) {
	fake := &fakeWAHA{statuses: []string{"", "STARTING"}}
	d := newTestWAHADriver(t, fake, WAHAOptions{MaxPollAttempts: 3})

	_, err := d.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrHandshakeTimeout)
	assert.Equal(t, domain.StatusTimedOut, d.Status().Status)
}

func TestWAHA_ConcurrentInitializeRejected(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeWAHA{statuses: []string{"WORKING"}, probeGate: gate}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := d.Initialize(context.Background())
		firstDone <- err
	}()

	// wait until the first attempt is parked on the status probe
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.initializing
	}, time.Second, time.Millisecond)

	_, err := d.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrConcurrentInit)

	close(gate)
	require.NoError(t, <-firstDone)
}

func TestWAHA_CleanupDuringInitializeAborts(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeWAHA{statuses: []string{"WORKING"}, probeGate: gate}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	initDone := make(chan error, 1)
	go func() {
		_, err := d.Initialize(context.Background())
		initDone <- err
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.initializing
	}, time.Second, time.Millisecond)

	// cleanup completes while the initialize is parked on the probe
	result, err := d.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.CleanupStatusCleaned, result.Status)
	assert.Equal(t, 1, fake.stopped)

	// the late WORKING probe must not flip the cleaned driver back
	close(gate)
	assert.ErrorIs(t, <-initDone, domain.ErrInitAborted)
	assert.Equal(t, domain.StatusDisconnected, d.Status().Status)
	assert.Zero(t, fake.started)
}

func TestWAHA_SendRequiresReady(t *testing.T) {
	fake := &fakeWAHA{}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	_, err := d.Send(context.Background(), "11987654321", "hi")
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.Empty(t, fake.sends)
}

func TestWAHA_SendNormalizesRecipient(t *testing.T) {
	fake := &fakeWAHA{statuses: []string{"WORKING"}}
	d := newTestWAHADriver(t, fake, WAHAOptions{CountryCode: "55"})

	_, err := d.Initialize(context.Background())
	require.NoError(t, err)

	result, err := d.Send(context.Background(), "11987654321", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "sent", result.Status)

	require.Len(t, fake.sends, 1)
	assert.Equal(t, "5511987654321@c.us", fake.sends[0]["chatId"])
	assert.Equal(t, "hello there", fake.sends[0]["text"])
	assert.Equal(t, "default", fake.sends[0]["session"])
}

func TestWAHA_CleanupStopsSession(t *testing.T) {
	fake := &fakeWAHA{statuses: []string{"WORKING"}}
	d := newTestWAHADriver(t, fake, WAHAOptions{})

	_, err := d.Initialize(context.Background())
	require.NoError(t, err)

	result, err := d.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.CleanupStatusCleaned, result.Status)
	assert.Equal(t, domain.ProviderWAHA, result.Provider)
	assert.Equal(t, 1, fake.stopped)
	assert.Equal(t, domain.StatusDisconnected, d.Status().Status)

	_, err = d.Send(context.Background(), "11987654321", "hi")
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

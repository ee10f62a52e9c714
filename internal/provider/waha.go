package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/gabrielBielll/zapflow/internal/domain"
	"github.com/gabrielBielll/zapflow/internal/logging"
)

// WAHA session states reported by the remote server.
const (
	wahaStatusScanQR  = "SCAN_QR_CODE"
	wahaStatusWorking = "WORKING"
	wahaStatusFailed  = "FAILED"
)

// WAHAOptions configures the HTTP-API driver.
type WAHAOptions struct {
	BaseURL     string
	APIKey      string
	WebhookURL  string
	CountryCode string

	// PollInterval and MaxPollAttempts bound the readiness poll.
	// Defaults: 1s × 30 attempts.
	PollInterval    time.Duration
	MaxPollAttempts int
}

func (o *WAHAOptions) applyDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.MaxPollAttempts == 0 {
		o.MaxPollAttempts = 30
	}
}

// NewWAHAFactory returns a Factory producing WAHA drivers.
func NewWAHAFactory(opts WAHAOptions, log *logging.Logger) Factory {
	opts.applyDefaults()
	return func(channelID string, onInbound domain.InboundHandler) (domain.Driver, error) {
		return newWAHADriver(channelID, opts, log), nil
	}
}

// WAHAInfo describes the WAHA provider for discovery.
func WAHAInfo() domain.ProviderInfo {
	return domain.ProviderInfo{
		Type:        domain.ProviderWAHA,
		Name:        "WAHA (HTTP API)",
		Description: "HTTP API frontend for WhatsApp. Lighter and easier to scale, but can be less stable.",
	}
}

// wahaDriver drives one channel's session on a WAHA server. Readiness
// is discovered by polling; inbound messages arrive out-of-band through
// the gateway's webhook endpoint, not through this driver.
type wahaDriver struct {
	channelID string
	opts      WAHAOptions
	// WAHA Core supports a single session named "default".
	sessionName string
	http        *retryablehttp.Client
	log         *logging.Logger

	mu           sync.Mutex
	status       domain.Status
	qr           string
	lastErr      string
	initializing bool
	// gen counts cleanups. The readiness poll checks it each round and
	// aborts if a cleanup landed after the poll started.
	gen uint64
}

func newWAHADriver(channelID string, opts WAHAOptions, log *logging.Logger) *wahaDriver {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &wahaDriver{
		channelID:   channelID,
		opts:        opts,
		sessionName: "default",
		http:        rc,
		log:         log.Sub("waha"),
		status:      domain.StatusDisconnected,
	}
}

// wahaSession is the status-by-name response shape.
type wahaSession struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Initialize starts or probes the remote session and waits for a QR
// code or a working state, bounded by the poll budget.
func (d *wahaDriver) Initialize(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.initializing {
		d.mu.Unlock()
		return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrConcurrentInit)
	}
	d.initializing = true
	gen := d.gen
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.initializing = false
		d.mu.Unlock()
	}()

	sess, err := d.sessionStatus(ctx)
	if err != nil {
		d.setError(err)
		return "", fmt.Errorf("probing WAHA session for channel %s: %w", d.channelID, err)
	}
	if d.supersededSince(gen) {
		return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrInitAborted)
	}
	if sess != nil && sess.Status == wahaStatusWorking {
		d.setStatus(domain.StatusReady, "")
		return domain.AlreadyConnected, nil
	}

	d.setStatus(domain.StatusInitializing, "")

	if err := d.startSession(ctx); err != nil {
		d.setError(err)
		return "", fmt.Errorf("starting WAHA session for channel %s: %w", d.channelID, err)
	}

	return d.waitForQROrConnection(ctx, gen)
}

// waitForQROrConnection polls the status-by-name endpoint until the
// session needs a scan, becomes working, fails, or the attempt budget
// runs out. The loop yields between attempts and aborts, without
// touching session state, once a cleanup has superseded it.
func (d *wahaDriver) waitForQROrConnection(ctx context.Context, gen uint64) (string, error) {
	for attempt := 0; attempt < d.opts.MaxPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.opts.PollInterval):
			case <-ctx.Done():
				d.setStatus(domain.StatusTimedOut, "context cancelled")
				return "", fmt.Errorf("waiting for WAHA session: %w", ctx.Err())
			}
		}

		sess, err := d.sessionStatus(ctx)
		if err != nil {
			d.setError(err)
			return "", fmt.Errorf("polling WAHA session for channel %s: %w", d.channelID, err)
		}
		if d.supersededSince(gen) {
			return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrInitAborted)
		}
		if sess == nil {
			continue
		}

		switch sess.Status {
		case wahaStatusScanQR:
			qr, err := d.fetchQR(ctx)
			if err != nil {
				d.log.Warn().Err(err).Str("channel", d.channelID).Msg("QR not available yet")
				continue
			}
			d.mu.Lock()
			if d.gen != gen {
				d.mu.Unlock()
				return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrInitAborted)
			}
			d.qr = qr
			d.status = domain.StatusAwaitingScan
			d.mu.Unlock()
			d.log.Info().Str("channel", d.channelID).Msg("WAHA QR code generated")
			return qr, nil

		case wahaStatusWorking:
			d.mu.Lock()
			if d.gen != gen {
				d.mu.Unlock()
				return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrInitAborted)
			}
			d.status = domain.StatusReady
			d.lastErr = ""
			d.qr = ""
			d.mu.Unlock()
			d.log.Info().Str("channel", d.channelID).Msg("WAHA session ready")
			return domain.Connected, nil

		case wahaStatusFailed:
			d.setStatus(domain.StatusError, "session failed to connect")
			return "", fmt.Errorf("WAHA session failed for channel %s", d.channelID)
		}
	}

	d.setStatus(domain.StatusTimedOut, "no QR or ready signal within poll budget")
	return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrHandshakeTimeout)
}

// Send delivers text through the WAHA sendText endpoint. The recipient
// is phone-normalized and addressed as <digits>@c.us.
func (d *wahaDriver) Send(ctx context.Context, to, text string) (domain.SendResult, error) {
	d.mu.Lock()
	ready := d.status == domain.StatusReady
	status := d.status
	d.mu.Unlock()
	if !ready {
		return domain.SendResult{}, fmt.Errorf("channel %s status %s: %w", d.channelID, status, domain.ErrNotReady)
	}

	payload := map[string]any{
		"chatId":  NormalizePhone(to, d.opts.CountryCode) + "@c.us",
		"text":    text,
		"session": d.sessionName,
	}

	var detail map[string]any
	if err := d.post(ctx, "/api/sendText", payload, &detail); err != nil {
		return domain.SendResult{}, fmt.Errorf("sending via WAHA for channel %s: %w", d.channelID, err)
	}

	d.log.Debug().Str("channel", d.channelID).Str("to", to).Msg("WAHA message sent")
	return domain.SendResult{
		Status:  "sent",
		Message: "Message sent successfully",
		Detail:  detail,
	}, nil
}

// Status returns a snapshot. Pure read.
func (d *wahaDriver) Status() domain.SessionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.SessionStatus{
		ChannelID: d.channelID,
		Provider:  domain.ProviderWAHA,
		Status:    d.status,
		HasQR:     d.qr != "",
		QR:        d.qr,
		LastError: d.lastErr,
	}
}

// Cleanup stops the remote session best-effort and marks the driver
// disconnected regardless of the outcome.
func (d *wahaDriver) Cleanup(ctx context.Context) (domain.CleanupResult, error) {
	if err := d.post(ctx, "/api/sessions/"+d.sessionName+"/stop", map[string]any{}, nil); err != nil {
		d.log.Warn().Err(err).Str("channel", d.channelID).Msg("error stopping WAHA session")
	}

	d.mu.Lock()
	d.gen++
	d.status = domain.StatusDisconnected
	d.lastErr = ""
	d.qr = ""
	d.mu.Unlock()

	return domain.CleanupResult{Status: domain.CleanupStatusCleaned, Provider: domain.ProviderWAHA}, nil
}

// sessionStatus probes the status-by-name endpoint. A 404 means the
// session does not exist yet and is reported as nil.
func (d *wahaDriver) sessionStatus(ctx context.Context) (*wahaSession, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.opts.BaseURL+"/api/sessions/"+d.sessionName, nil)
	if err != nil {
		return nil, err
	}
	d.setHeaders(req)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("WAHA session status: unexpected status %d", resp.StatusCode)
	}

	var sess wahaSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decoding WAHA session status: %w", err)
	}
	return &sess, nil
}

// startSession creates the named remote session, registering this
// gateway's webhook for message events when configured.
func (d *wahaDriver) startSession(ctx context.Context) error {
	webhooks := []map[string]any{}
	if d.opts.WebhookURL != "" {
		webhooks = append(webhooks, map[string]any{
			"url":    d.opts.WebhookURL,
			"events": []string{"message"},
		})
	}

	payload := map[string]any{
		"name": d.sessionName,
		"config": map[string]any{
			"webhooks": webhooks,
		},
	}

	var started wahaSession
	if err := d.post(ctx, "/api/sessions/start", payload, &started); err != nil {
		return err
	}
	if started.Name == "" {
		return fmt.Errorf("WAHA did not acknowledge session start")
	}
	d.log.Info().Str("channel", d.channelID).Str("session", d.sessionName).Msg("WAHA session started")
	return nil
}

func (d *wahaDriver) fetchQR(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.opts.BaseURL+"/api/sessions/"+d.sessionName+"/auth/qr", nil)
	if err != nil {
		return "", err
	}
	d.setHeaders(req)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("WAHA QR fetch: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		QR string `json:"qr"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding WAHA QR response: %w", err)
	}
	if body.QR == "" {
		return "", fmt.Errorf("WAHA QR response empty")
	}
	return body.QR, nil
}

func (d *wahaDriver) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	d.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("WAHA %s: unexpected status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decoding WAHA %s response: %w", path, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

func (d *wahaDriver) setHeaders(req *retryablehttp.Request) {
	if d.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", d.opts.APIKey)
	}
}

func (d *wahaDriver) supersededSince(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen != gen
}

func (d *wahaDriver) setStatus(s domain.Status, lastErr string) {
	d.mu.Lock()
	d.status = s
	d.lastErr = lastErr
	if s == domain.StatusReady {
		d.qr = ""
	}
	d.mu.Unlock()
}

func (d *wahaDriver) setError(err error) {
	d.setStatus(domain.StatusError, err.Error())
}

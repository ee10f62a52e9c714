package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/gabrielBielll/zapflow/internal/domain"
	"github.com/gabrielBielll/zapflow/internal/logging"
)

// MeowOptions configures the protocol-level driver.
type MeowOptions struct {
	// StoreDir holds one sqlite credential store per channel. Sessions
	// persisted here survive restarts without re-scanning.
	StoreDir    string
	CountryCode string

	// HandshakeTimeout bounds the wait for a QR code or ready signal.
	// Default 60s.
	HandshakeTimeout time.Duration
}

func (o *MeowOptions) applyDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 60 * time.Second
	}
}

// NewMeowFactory returns a Factory producing whatsmeow drivers.
func NewMeowFactory(opts MeowOptions, log *logging.Logger) Factory {
	opts.applyDefaults()
	return func(channelID string, onInbound domain.InboundHandler) (domain.Driver, error) {
		d := newMeowDriver(channelID, opts, onInbound, log)
		d.dial = newMeowDialer(opts, log)
		return d, nil
	}
}

// MeowInfo describes the whatsmeow provider for discovery.
func MeowInfo() domain.ProviderInfo {
	return domain.ProviderInfo{
		Type:        domain.ProviderWhatsmeow,
		Name:        "Whatsmeow (protocol)",
		Description: "Direct multidevice protocol client. More stable but needs more resources per session.",
	}
}

// meowSocket is the slice of *whatsmeow.Client the driver touches,
// extracted so tests can substitute a fake transport.
type meowSocket interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	SendMessage(ctx context.Context, to watypes.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// meowSession bundles an open socket with its credential store.
type meowSession struct {
	sock meowSocket
	// hasCreds reports whether the device store already holds a linked
	// session, in which case Connect restores it without a QR scan.
	hasCreds   bool
	self       func() string
	closeStore func() error
	purgeCreds func() error
}

type meowDialer func(ctx context.Context, channelID string) (*meowSession, error)

// meowDriver maintains one channel's long-lived protocol connection.
// The handshake token arrives asynchronously over the QR channel;
// inbound messages are delivered by the client's event loop, queued,
// and pumped sequentially into the injected handler.
type meowDriver struct {
	channelID string
	opts      MeowOptions
	dial      meowDialer
	onInbound domain.InboundHandler
	log       *logging.Logger

	mu           sync.Mutex
	status       domain.Status
	qr           string
	lastErr      string
	initializing bool
	// gen counts teardowns. An initialize records it before dialing and
	// discards the dial result if a cleanup bumped it in the meantime.
	gen       uint64
	sess      *meowSession
	ready     chan struct{}
	readyOnce *sync.Once
	inbound   chan domain.InboundMessage
	done      chan struct{}
	doneOnce  *sync.Once
}

const inboundQueueSize = 64

func newMeowDriver(channelID string, opts MeowOptions, onInbound domain.InboundHandler, log *logging.Logger) *meowDriver {
	return &meowDriver{
		channelID: channelID,
		opts:      opts,
		onInbound: onInbound,
		log:       log.Sub("whatsmeow"),
		status:    domain.StatusDisconnected,
	}
}

// newMeowDialer opens the per-channel sqlite credential store and
// builds a real whatsmeow client on top of it.
func newMeowDialer(opts MeowOptions, log *logging.Logger) meowDialer {
	return func(ctx context.Context, channelID string) (*meowSession, error) {
		if err := os.MkdirAll(opts.StoreDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}

		dbPath := filepath.Join(opts.StoreDir, channelID+".db")
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
		waLogger := waLog.Zerolog(log.Sub("wa-client").Zerolog())

		// sqlite can be briefly locked by a previous instance of the
		// same channel shutting down
		var container *sqlstore.Container
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 15 * time.Second
		err := backoff.Retry(func() error {
			var err error
			container, err = sqlstore.New(ctx, "sqlite", dsn, waLogger)
			return err
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			return nil, fmt.Errorf("opening credential store for channel %s: %w", channelID, err)
		}

		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("loading device for channel %s: %w", channelID, err)
		}

		client := whatsmeow.NewClient(device, waLogger)

		return &meowSession{
			sock:     client,
			hasCreds: device.ID != nil,
			self: func() string {
				if client.Store.ID != nil {
					return client.Store.ID.User
				}
				return ""
			},
			closeStore: container.Close,
			purgeCreds: func() error {
				for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
					if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
						return err
					}
				}
				return nil
			},
		}, nil
	}
}

// Initialize opens a fresh connection attempt, tearing down any stale
// socket first. It resolves with a QR payload once the transport emits
// one, with Connected when a persisted session restores without a scan,
// and with AlreadyConnected when the session is already live.
func (d *meowDriver) Initialize(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.status == domain.StatusReady && d.sess != nil && d.sess.sock.IsConnected() {
		d.mu.Unlock()
		return domain.AlreadyConnected, nil
	}
	if d.initializing {
		d.mu.Unlock()
		return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrConcurrentInit)
	}
	d.initializing = true

	// tear down any stale connection before restarting
	if d.sess != nil {
		d.teardownLocked()
	}
	d.status = domain.StatusInitializing
	d.qr = ""
	d.lastErr = ""
	d.ready = make(chan struct{})
	d.readyOnce = &sync.Once{}
	gen := d.gen
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.initializing = false
		d.mu.Unlock()
	}()

	sess, err := d.dial(ctx, d.channelID)
	if err != nil {
		d.setError(err)
		return "", err
	}

	d.mu.Lock()
	if d.gen != gen {
		// a cleanup finished while we were dialing; the fresh session
		// must not outlive the entry the registry already evicted
		d.mu.Unlock()
		sess.sock.Disconnect()
		if err := sess.closeStore(); err != nil {
			d.log.Warn().Err(err).Str("channel", d.channelID).Msg("error closing credential store")
		}
		return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrInitAborted)
	}
	d.sess = sess
	d.inbound = make(chan domain.InboundMessage, inboundQueueSize)
	d.done = make(chan struct{})
	d.doneOnce = &sync.Once{}
	d.mu.Unlock()

	sess.sock.AddEventHandler(d.handleEvent)
	go d.pumpInbound(d.inbound, d.done)

	if sess.hasCreds {
		return d.restoreSession(ctx, sess)
	}
	return d.pairSession(ctx, sess)
}

// restoreSession reconnects a previously linked device and waits for
// the connected event.
func (d *meowDriver) restoreSession(ctx context.Context, sess *meowSession) (string, error) {
	if err := sess.sock.Connect(); err != nil {
		d.setError(err)
		return "", fmt.Errorf("connecting restored session for channel %s: %w", d.channelID, err)
	}

	select {
	case <-d.ready:
		d.log.Info().Str("channel", d.channelID).Msg("session restored")
		return domain.Connected, nil
	case <-time.After(d.opts.HandshakeTimeout):
		d.setStatus(domain.StatusTimedOut, "no ready signal within handshake timeout")
		return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrHandshakeTimeout)
	case <-ctx.Done():
		d.setStatus(domain.StatusTimedOut, "context cancelled")
		return "", fmt.Errorf("restoring session for channel %s: %w", d.channelID, ctx.Err())
	}
}

// pairSession runs the QR pairing handshake for an unlinked device.
func (d *meowDriver) pairSession(ctx context.Context, sess *meowSession) (string, error) {
	qrChan, err := sess.sock.GetQRChannel(ctx)
	if err != nil {
		d.setError(err)
		return "", fmt.Errorf("opening QR channel for channel %s: %w", d.channelID, err)
	}
	if err := sess.sock.Connect(); err != nil {
		d.setError(err)
		return "", fmt.Errorf("connecting channel %s: %w", d.channelID, err)
	}

	timeout := time.NewTimer(d.opts.HandshakeTimeout)
	defer timeout.Stop()

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				d.setStatus(domain.StatusError, "QR channel closed before pairing")
				return "", fmt.Errorf("QR channel closed for channel %s", d.channelID)
			}
			switch item.Event {
			case "code":
				d.mu.Lock()
				d.qr = item.Code
				d.status = domain.StatusAwaitingScan
				d.mu.Unlock()
				d.renderQR(item.Code)
				// keep draining refreshed codes and the final
				// success/timeout event after we return
				go d.trackPairing(qrChan)
				return item.Code, nil
			case "success":
				d.setStatus(domain.StatusReady, "")
				return domain.Connected, nil
			case "timeout":
				d.setStatus(domain.StatusTimedOut, "QR pairing timed out")
				return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrHandshakeTimeout)
			default:
				if item.Error != nil {
					d.setError(item.Error)
					return "", fmt.Errorf("QR pairing failed for channel %s: %w", d.channelID, item.Error)
				}
			}
		case <-timeout.C:
			d.setStatus(domain.StatusTimedOut, "no QR code within handshake timeout")
			return "", fmt.Errorf("channel %s: %w", d.channelID, domain.ErrHandshakeTimeout)
		case <-ctx.Done():
			d.setStatus(domain.StatusTimedOut, "context cancelled")
			return "", fmt.Errorf("pairing channel %s: %w", d.channelID, ctx.Err())
		}
	}
}

// trackPairing follows the QR channel after the first code has been
// handed to the caller: refreshed codes replace the pending one, and
// the terminal event settles the session state.
func (d *meowDriver) trackPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			d.mu.Lock()
			d.qr = item.Code
			d.mu.Unlock()
		case "success":
			d.setStatus(domain.StatusReady, "")
			d.log.Info().Str("channel", d.channelID).Msg("QR scanned, session linked")
		case "timeout":
			d.mu.Lock()
			if d.status == domain.StatusAwaitingScan {
				d.status = domain.StatusTimedOut
				d.qr = ""
			}
			d.mu.Unlock()
		}
	}
}

// Send delivers text through the live socket. Bare numbers are
// phone-normalized onto the default user server; full JIDs pass through.
func (d *meowDriver) Send(ctx context.Context, to, text string) (domain.SendResult, error) {
	d.mu.Lock()
	sess := d.sess
	ready := d.status == domain.StatusReady && sess != nil
	status := d.status
	d.mu.Unlock()
	if !ready {
		return domain.SendResult{}, fmt.Errorf("channel %s status %s: %w", d.channelID, status, domain.ErrNotReady)
	}

	jid, err := d.recipientJID(to)
	if err != nil {
		return domain.SendResult{}, err
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := sess.sock.SendMessage(ctx, jid, msg); err != nil {
		return domain.SendResult{}, fmt.Errorf("sending via whatsmeow for channel %s: %w", d.channelID, err)
	}

	d.log.Debug().Str("channel", d.channelID).Str("to", to).Msg("whatsmeow message sent")
	return domain.SendResult{Status: "sent", Message: "Message sent successfully"}, nil
}

func (d *meowDriver) recipientJID(to string) (watypes.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := watypes.ParseJID(to)
		if err != nil {
			return watypes.JID{}, fmt.Errorf("parsing recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return watypes.NewJID(NormalizePhone(to, d.opts.CountryCode), watypes.DefaultUserServer), nil
}

// Status returns a snapshot. Pure read.
func (d *meowDriver) Status() domain.SessionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.SessionStatus{
		ChannelID: d.channelID,
		Provider:  domain.ProviderWhatsmeow,
		Status:    d.status,
		HasQR:     d.qr != "",
		QR:        d.qr,
		LastError: d.lastErr,
	}
}

// Cleanup disconnects, releases the credential store, and deletes the
// persisted session files so a future Initialize starts clean. Teardown
// errors are logged, never propagated.
func (d *meowDriver) Cleanup(ctx context.Context) (domain.CleanupResult, error) {
	d.mu.Lock()
	sess := d.sess
	d.teardownLocked()
	d.gen++
	d.status = domain.StatusDisconnected
	d.qr = ""
	d.mu.Unlock()

	if sess != nil {
		if err := sess.purgeCreds(); err != nil {
			d.log.Warn().Err(err).Str("channel", d.channelID).Msg("error purging session files")
		}
	}

	return domain.CleanupResult{Status: domain.CleanupStatusCleaned, Provider: domain.ProviderWhatsmeow}, nil
}

// teardownLocked closes the socket, the inbound pump, and the store.
// Callers hold d.mu.
func (d *meowDriver) teardownLocked() {
	if d.sess == nil {
		return
	}
	d.sess.sock.Disconnect()
	if err := d.sess.closeStore(); err != nil {
		d.log.Warn().Err(err).Str("channel", d.channelID).Msg("error closing credential store")
	}
	if d.doneOnce != nil {
		done := d.done
		d.doneOnce.Do(func() { close(done) })
	}
	d.sess = nil
}

// handleEvent maps transport events onto session state. It runs on the
// client's event loop, so message handling only enqueues.
func (d *meowDriver) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		d.setStatus(domain.StatusReady, "")
		d.mu.Lock()
		ready, once := d.ready, d.readyOnce
		d.mu.Unlock()
		if once != nil {
			once.Do(func() { close(ready) })
		}

	case *events.Disconnected:
		// transient loss; the transport retries on its own schedule
		d.mu.Lock()
		if d.status == domain.StatusReady {
			d.status = domain.StatusReconnecting
		}
		d.mu.Unlock()
		d.log.Warn().Str("channel", d.channelID).Msg("connection lost, reconnecting")

	case *events.ConnectFailure:
		d.setStatus(domain.StatusError, fmt.Sprintf("connect failure: %v", v.Reason))

	case *events.LoggedOut:
		// terminal: do not retry, purge credentials
		d.log.Info().Str("channel", d.channelID).Msg("logged out, purging session")
		d.mu.Lock()
		sess := d.sess
		d.teardownLocked()
		d.gen++
		d.status = domain.StatusDisconnected
		d.qr = ""
		d.mu.Unlock()
		if sess != nil {
			if err := sess.purgeCreds(); err != nil {
				d.log.Warn().Err(err).Str("channel", d.channelID).Msg("error purging session files")
			}
		}

	case *events.Message:
		d.enqueueMessage(v)
	}
}

// enqueueMessage converts a transport message event into the canonical
// shape and queues it. Enqueueing never blocks the event loop; the
// queue overflowing drops the message with a log line.
func (d *meowDriver) enqueueMessage(v *events.Message) {
	if v.Info.Chat == watypes.StatusBroadcastJID || v.Info.IsGroup {
		return
	}

	body := v.Message.GetConversation()
	if body == "" {
		body = v.Message.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		return
	}

	d.mu.Lock()
	sess := d.sess
	inbound, done := d.inbound, d.done
	d.mu.Unlock()
	if sess == nil {
		return
	}

	msg := domain.InboundMessage{
		ID:         v.Info.ID,
		ChannelID:  d.channelID,
		Provider:   domain.ProviderWhatsmeow,
		From:       v.Info.Chat.User,
		Body:       body,
		FromMe:     v.Info.IsFromMe,
		Self:       sess.self(),
		ReceivedAt: v.Info.Timestamp,
	}

	select {
	case inbound <- msg:
	case <-done:
	default:
		d.log.Warn().Str("channel", d.channelID).Msg("inbound queue full, message dropped")
	}
}

// pumpInbound feeds queued messages to the handler one at a time, so a
// slow relay never reorders a channel's conversation.
func (d *meowDriver) pumpInbound(inbound <-chan domain.InboundMessage, done <-chan struct{}) {
	for {
		select {
		case msg := <-inbound:
			d.onInbound(msg)
		case <-done:
			return
		}
	}
}

func (d *meowDriver) renderQR(code string) {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return
	}
	d.log.Info().Str("channel", d.channelID).Msg("scan the QR code below with the WhatsApp mobile app")
	fmt.Fprintln(os.Stderr, q.ToSmallString(false))
}

func (d *meowDriver) setStatus(s domain.Status, lastErr string) {
	d.mu.Lock()
	d.status = s
	d.lastErr = lastErr
	if s == domain.StatusReady {
		d.qr = ""
	}
	d.mu.Unlock()
}

func (d *meowDriver) setError(err error) {
	d.setStatus(domain.StatusError, err.Error())
}

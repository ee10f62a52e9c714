package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gabrielBielll/zapflow/internal/domain"
	"github.com/gabrielBielll/zapflow/internal/relay"
)

// maxWebhookBody caps webhook payload reads.
const maxWebhookBody = 1 << 20

// registerRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("GET /active-providers", s.handleActiveProviders)

	mux.HandleFunc("POST /init-session", s.handleInitSession)
	mux.HandleFunc("POST /send-message", s.handleSendMessage)
	mux.HandleFunc("GET /status/{channel_id}", s.handleStatus)
	mux.HandleFunc("GET /status/{channel_id}/{provider}", s.handleStatus)
	mux.HandleFunc("DELETE /cleanup/{channel_id}", s.handleCleanup)
	mux.HandleFunc("DELETE /cleanup/{channel_id}/{provider}", s.handleCleanup)

	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /webhook/{channel_id}", s.handleWebhook)
	mux.HandleFunc("POST /webhook/{channel_id}/{provider}", s.handleWebhook)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// parseProvider maps the wire value onto a provider type. An empty
// value selects the default protocol provider, matching the behavior
// callers relied on before the provider field existed.
func parseProvider(raw string) (domain.ProviderType, error) {
	switch raw {
	case "":
		return domain.ProviderWhatsmeow, nil
	case string(domain.ProviderWhatsmeow):
		return domain.ProviderWhatsmeow, nil
	case string(domain.ProviderWAHA):
		return domain.ProviderWAHA, nil
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownProvider, raw)
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.registry.Available()})
}

func (s *Server) handleActiveProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"activeProviders": s.registry.Active()})
}

type initSessionRequest struct {
	ChannelID string `json:"channel_id"`
	Provider  string `json:"provider"`
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req initSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	prov, err := parseProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.registry.Initialize(r.Context(), req.ChannelID, prov)
	if err != nil {
		s.writeInitError(w, req.ChannelID, prov, err)
		return
	}

	switch token {
	case domain.AlreadyConnected:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "connected",
			"message":    "Session already connected",
			"provider":   prov,
			"channel_id": req.ChannelID,
		})
	case domain.Connected:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "connected",
			"message":    "Session connected",
			"provider":   prov,
			"channel_id": req.ChannelID,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     string(domain.StatusAwaitingScan),
			"qr_string":  token,
			"provider":   prov,
			"channel_id": req.ChannelID,
		})
	}
}

func (s *Server) writeInitError(w http.ResponseWriter, channelID string, prov domain.ProviderType, err error) {
	s.log.Error().Err(err).
		Str("channel", channelID).
		Str("provider", string(prov)).
		Msg("session initialization failed")
	write := func(code int, msg string) {
		writeJSON(w, code, map[string]any{
			"error":    msg,
			"provider": prov,
			"details":  err.Error(),
		})
	}
	switch {
	case errors.Is(err, domain.ErrConcurrentInit):
		write(http.StatusConflict, "session initialization already in progress")
	case errors.Is(err, domain.ErrInitAborted):
		write(http.StatusConflict, "session was cleaned up during initialization")
	case errors.Is(err, domain.ErrHandshakeTimeout):
		write(http.StatusGatewayTimeout, "session handshake timed out")
	case errors.Is(err, domain.ErrUnknownProvider):
		write(http.StatusBadRequest, err.Error())
	default:
		write(http.StatusInternalServerError, err.Error())
	}
}

type sendMessageRequest struct {
	ChannelID string `json:"channel_id"`
	Provider  string `json:"provider"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "channel_id, to and message are required")
		return
	}
	prov, err := parseProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.registry.Send(r.Context(), req.ChannelID, prov, req.To, req.Message)
	if err != nil {
		s.log.Error().Err(err).
			Str("channel", req.ChannelID).
			Str("provider", string(prov)).
			Msg("send failed")
		switch {
		case errors.Is(err, domain.ErrProviderNotFound):
			writeError(w, http.StatusNotFound, "no session for this channel and provider")
		case errors.Is(err, domain.ErrNotReady):
			writeError(w, http.StatusConflict, "session is not ready")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "Message sent",
		"provider": prov,
		"result":   result,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	prov, err := parseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, ok := s.registry.Status(r.PathValue("channel_id"), prov)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for this channel and provider")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	prov, err := parseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.registry.Cleanup(r.Context(), r.PathValue("channel_id"), prov)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWebhook ingests provider push events. Ingestion is asymmetric
// with the rest of the API: once a payload parses as a message event,
// the caller always gets 200, because provider platforms retry non-2xx
// deliveries and a broken responder should not cause a redelivery
// storm. Only unparsable payloads get a 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel_id")
	if channelID == "" {
		channelID = r.URL.Query().Get("channel_id")
	}
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	provRaw := r.PathValue("provider")
	if provRaw == "" {
		provRaw = r.URL.Query().Get("provider")
	}
	if provRaw == "" {
		// only the HTTP API provider pushes webhooks
		provRaw = string(domain.ProviderWAHA)
	}
	prov, err := parseProvider(provRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "error reading body")
		return
	}

	msg, err := relay.Normalize(channelID, prov, raw)
	if err != nil {
		if errors.Is(err, relay.ErrIgnoredEvent) {
			writeJSON(w, http.StatusOK, relay.Outcome{Status: relay.StatusIgnored, Reason: "non-message event"})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.pipeline.Handle(r.Context(), msg))
}

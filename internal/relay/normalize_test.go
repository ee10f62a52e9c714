package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielBielll/zapflow/internal/domain"
)

func TestNormalize_EventWrappedMessage(t *testing.T) {
	raw := []byte(`{
		"event": "message",
		"session": "default",
		"payload": {"id": "m1", "from": "5511987654321@c.us", "body": "oi", "fromMe": false}
	}`)

	msg, err := Normalize("ch1", domain.ProviderWAHA, raw)
	require.NoError(t, err)
	assert.Equal(t, "ch1", msg.ChannelID)
	assert.Equal(t, domain.ProviderWAHA, msg.Provider)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "5511987654321@c.us", msg.From)
	assert.Equal(t, "oi", msg.Body)
	assert.False(t, msg.FromMe)
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestNormalize_FlatMessage(t *testing.T) {
	raw := []byte(`{"from": "5511987654321@c.us", "body": "oi", "fromMe": true}`)

	msg, err := Normalize("ch1", domain.ProviderWAHA, raw)
	require.NoError(t, err)
	assert.Equal(t, "5511987654321@c.us", msg.From)
	assert.True(t, msg.FromMe)
	assert.NotEmpty(t, msg.ID, "messages without an ID get a synthetic one")
}

func TestNormalize_NonMessageEventIgnored(t *testing.T) {
	raw := []byte(`{"event": "session.status", "payload": {"status": "WORKING"}}`)

	_, err := Normalize("ch1", domain.ProviderWAHA, raw)
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize("ch1", domain.ProviderWAHA, []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrMalformedWebhook)
}

func TestNormalize_MissingFrom(t *testing.T) {
	_, err := Normalize("ch1", domain.ProviderWAHA, []byte(`{"body": "oi"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedWebhook)
}

func TestNormalize_MissingBody(t *testing.T) {
	_, err := Normalize("ch1", domain.ProviderWAHA, []byte(`{"from": "5511987654321@c.us"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedWebhook)
}

func TestNormalize_EmptyBodyIsValid(t *testing.T) {
	// empty string is present, not missing; the pipeline decides what
	// to do with it
	msg, err := Normalize("ch1", domain.ProviderWAHA, []byte(`{"from": "5511987654321@c.us", "body": ""}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Body)
}

func TestNormalize_NullPayloadFallsBackToFlat(t *testing.T) {
	raw := []byte(`{"event": "message", "payload": null, "from": "5511987654321@c.us", "body": "oi"}`)

	msg, err := Normalize("ch1", domain.ProviderWAHA, raw)
	require.NoError(t, err)
	assert.Equal(t, "oi", msg.Body)
}

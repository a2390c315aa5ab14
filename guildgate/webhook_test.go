package guildgate

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(
	t testing.TB,
	key ed25519.PrivateKey,
	body []byte,
) *http.Request {
	t.Helper()
	timestamp := "1700000000"
	req := httptest.NewRequest(
		http.MethodPost,
		webhookInteractionsPath,
		bytes.NewReader(body),
	)
	req.Header.Set("X-Signature-Timestamp", timestamp)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	return req
}

func newTestWebhookServer(t testing.TB) (
	*WebhookServer,
	ed25519.PrivateKey,
) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	config := testDispatcherConfig()
	config.Discord.WebhookPublicKey = hex.EncodeToString(publicKey)

	adapter, err := newWebhookAdapter(config.Discord, testLogHandler(t))
	require.NoError(t, err)

	gateway, _ := newTestGateway(t)
	sink := NewTelemetrySink(testLogHandler(t))
	evaluator := NewEvaluator(
		gateway,
		NewEntitlementCache(),
		sink,
		testLogHandler(t),
		config.Entitlement.CacheTTL,
	)
	dispatcher := NewCommandDispatcher(
		evaluator,
		gateway,
		sink,
		adapter.(*webhookAdapter),
		config,
		testLogHandler(t),
	)

	server := newWebhookServer(
		context.Background(),
		config.Discord,
		adapter.(*webhookAdapter),
		dispatcher,
		testLogHandler(t),
	)
	return server, privateKey
}

func TestWebhookRejectsUnsignedRequest(t *testing.T) {
	t.Parallel()
	server, _ := newTestWebhookServer(t)

	req := httptest.NewRequest(
		http.MethodPost,
		webhookInteractionsPath,
		bytes.NewReader([]byte(`{}`)),
	)
	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()
	server, _ := newTestWebhookServer(t)

	// signed by the wrong key
	_, wrongKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	req := signedRequest(t, wrongKey, []byte(`{}`))

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookAnswersPing(t *testing.T) {
	t.Parallel()
	server, privateKey := newTestWebhookServer(t)

	body, err := json.Marshal(
		map[string]any{"type": int(discordgo.InteractionPing)},
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, privateKey, body))

	require.Equal(t, http.StatusOK, w.Code)
	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}

func TestWebhookDispatchesCommand(t *testing.T) {
	t.Parallel()
	server, privateKey := newTestWebhookServer(t)

	interaction := subcommandInteraction(
		"guild-1",
		"user-1",
		DiscordSlashCommandPremium,
		subcommandStatus,
		nil,
	)
	body, err := json.Marshal(interaction)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, signedRequest(t, privateKey, body))

	require.Equal(t, http.StatusOK, w.Code)
	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Premium status", resp.Data.Embeds[0].Title)
}

func TestVerifyRequestPreservesBody(t *testing.T) {
	t.Parallel()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body := []byte(`{"type":1}`)
	req := signedRequest(t, privateKey, body)

	assert.True(t, verifyRequest(req, publicKey))

	// the handler must still be able to read the body afterwards
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, buf.Bytes())
}

func TestVerifyRequestMissingHeaders(t *testing.T) {
	t.Parallel()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// missing timestamp
	req := signedRequest(t, privateKey, []byte(`{}`))
	req.Header.Del("X-Signature-Timestamp")
	assert.False(t, verifyRequest(req, publicKey))

	// missing signature
	req = signedRequest(t, privateKey, []byte(`{}`))
	req.Header.Del("X-Signature-Ed25519")
	assert.False(t, verifyRequest(req, publicKey))

	// non-hex signature
	req = signedRequest(t, privateKey, []byte(`{}`))
	req.Header.Set("X-Signature-Ed25519", "zz")
	assert.False(t, verifyRequest(req, publicKey))
}

func TestWebhookTamperedBodyRejected(t *testing.T) {
	t.Parallel()
	server, privateKey := newTestWebhookServer(t)

	req := signedRequest(t, privateKey, []byte(`{"type":1}`))
	req.Body = httptest.NewRequest(
		http.MethodPost,
		webhookInteractionsPath,
		bytes.NewReader([]byte(fmt.Sprintf(`{"type":%d}`, 2))),
	).Body

	w := httptest.NewRecorder()
	server.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

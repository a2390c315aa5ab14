package guildgate

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
)

const webhookInteractionsPath = "/discord/interactions"

type httpError struct {
	Error string `json:"error"`
}

// WebhookServer receives Discord interactions over HTTP when the
// webhook receive method is active. Requests are authenticated with
// the Ed25519 signature headers before anything touches the
// dispatcher.
//
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookServer struct {
	config     *DiscordConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func newWebhookServer(
	ctx context.Context,
	config *DiscordConfig,
	adapter *webhookAdapter,
	dispatcher *CommandDispatcher,
	handler slog.Handler,
) *WebhookServer {
	logger := slog.New(handler).With(loggerNameKey, "discord_webhook")

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		gin.Recovery(),
		discordRequestAuthenticationMiddleware(adapter.PublicKey(), logger),
	)

	w := &WebhookServer{
		config: config,
		engine: r,
		logger: logger,
		httpServer: &http.Server{
			Addr:              config.WebhookListen,
			Handler:           r,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	}
	r.POST(webhookInteractionsPath, w.receiveHandler(ctx, dispatcher))
	return w
}

func (w *WebhookServer) Serve(_ context.Context) error {
	w.logger.Info("starting webhook server", "listen", w.config.WebhookListen)
	return w.httpServer.ListenAndServe()
}

func (w *WebhookServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}

// webhookResponder answers an interaction in the HTTP response body,
// rather than through a separate API call like the gateway session.
type webhookResponder struct {
	ginContext *gin.Context
}

func (w webhookResponder) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	w.ginContext.JSON(http.StatusOK, resp)
	return nil
}

func (w *WebhookServer) receiveHandler(
	ctx context.Context,
	dispatcher *CommandDispatcher,
) func(c *gin.Context) {
	return func(c *gin.Context) {
		logger := w.logger.With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", "error", err)
			c.JSON(
				http.StatusInternalServerError,
				httpError{Error: "error getting raw data"},
			)
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", "error", e)
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "error unmarshalling body"},
			)
			return
		}

		if interaction.Type == discordgo.InteractionPing {
			c.JSON(
				http.StatusOK,
				discordgo.InteractionResponse{
					Type: discordgo.InteractionResponsePong,
				},
			)
			return
		}

		dispatcher.HandleInteraction(
			runCtx,
			webhookResponder{ginContext: c},
			&interaction,
		)
	}
}

// discordRequestAuthenticationMiddleware verifies Discord webhook
// request signatures, rejecting anything unsigned or mis-signed.
func discordRequestAuthenticationMiddleware(
	publicKey ed25519.PublicKey,
	logger *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "invalid signature"},
			)
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's signature and timestamp headers
// against the given public key, leaving the body readable for the
// handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}

package guildgate

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// ReceiveMethod identifies which client-library shape delivers
// interactions: the websocket gateway session, or the signed-webhook
// endpoint. The two produce differently-shaped inputs; the adapter
// layer deconflicts them behind one interface.
type ReceiveMethod string

const (
	ReceiveMethodGateway ReceiveMethod = "gateway"
	ReceiveMethodWebhook ReceiveMethod = "webhook"
)

var errEventWithoutGuild = errors.New("interaction has no guild")

// discordMaxButtonsPerActionRow is Discord's per-row component limit.
const discordMaxButtonsPerActionRow = 5

// CommandEvent is a normalized inbound command event. All calling code
// receives this one shape regardless of the active receive method.
type CommandEvent struct {
	InteractionID string
	GuildID       GuildID
	UserID        UserID
	Username      string
	Command       string
	Subcommand    string
	Options       map[string]string
	ReceivedVia   ReceiveMethod

	interaction *discordgo.InteractionCreate
}

func (e *CommandEvent) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("interaction_id", e.InteractionID),
		slog.String("guild_id", string(e.GuildID)),
		slog.String("user_id", string(e.UserID)),
		slog.String("command", e.Command),
		slog.String("received_via", string(e.ReceivedVia)),
	}
	if e.Subcommand != "" {
		attrs = append(attrs, slog.String("subcommand", e.Subcommand))
	}
	return slog.GroupValue(attrs...)
}

// MessageField is one field of a rich message.
type MessageField struct {
	Name   string
	Value  string
	Inline bool
}

// ComponentButton describes one interactive button.
type ComponentButton struct {
	Label    string
	CustomID string
	Style    discordgo.ButtonStyle
	Disabled bool
}

// ClientAdapter is the single fixed capability set exposed to all
// calling code: build a rich message, build an interactive component
// row, normalize an inbound event. Concrete variants are selected by
// the receive method detected once at startup; the resolved adapter
// is immutable for the process lifetime and needs no locking.
type ClientAdapter interface {
	Method() ReceiveMethod

	// RichMessage builds a rich (embed) message
	RichMessage(
		title string,
		description string,
		fields ...MessageField,
	) *discordgo.MessageEmbed

	// ComponentRows builds interactive component rows from buttons,
	// chunked to the platform's per-row limit
	ComponentRows(buttons ...ComponentButton) []discordgo.MessageComponent

	// NormalizeEvent converts an inbound interaction into a
	// CommandEvent. Interactions without a guild are rejected:
	// everything downstream is keyed by GuildID.
	NormalizeEvent(i *discordgo.InteractionCreate) (*CommandEvent, error)
}

type adapterFactory func(
	config *DiscordConfig,
	handler slog.Handler,
) (ClientAdapter, error)

// adapterFactories is the dispatch table keyed by receive method.
var adapterFactories = map[ReceiveMethod]adapterFactory{
	ReceiveMethodGateway: newGatewayAdapter,
	ReceiveMethodWebhook: newWebhookAdapter,
}

// ResolveAdapter detects the active client implementation and
// constructs its adapter. Detection runs once at process start:
// an explicit receive_method wins, then a configured webhook public
// key selects the webhook variant, then a bot token selects the
// gateway variant. If no variant is usable, startup fails with
// ErrCompatibilityUnresolved rather than degrading silently.
func ResolveAdapter(
	config *DiscordConfig,
	handler slog.Handler,
) (ClientAdapter, error) {
	if config.ReceiveMethod != "" {
		factory, ok := adapterFactories[ReceiveMethod(config.ReceiveMethod)]
		if !ok {
			return nil, fmt.Errorf(
				"%w: unknown receive method %q",
				ErrCompatibilityUnresolved,
				config.ReceiveMethod,
			)
		}
		adapter, err := factory(config, handler)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCompatibilityUnresolved, err)
		}
		return adapter, nil
	}

	var errs []error
	for _, method := range []ReceiveMethod{
		ReceiveMethodWebhook,
		ReceiveMethodGateway,
	} {
		adapter, err := adapterFactories[method](config, handler)
		if err == nil {
			return adapter, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", method, err))
	}
	return nil, fmt.Errorf(
		"%w: %w",
		ErrCompatibilityUnresolved,
		errors.Join(errs...),
	)
}

// embedBuilder carries the message/component construction shared by
// both variants - only event delivery differs between them.
type embedBuilder struct{}

func (embedBuilder) RichMessage(
	title string,
	description string,
	fields ...MessageField,
) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
	}
	for _, f := range fields {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   f.Name,
				Value:  f.Value,
				Inline: f.Inline,
			},
		)
	}
	return embed
}

func (embedBuilder) ComponentRows(
	buttons ...ComponentButton,
) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		row := discordgo.ActionsRow{}
		for _, b := range chunk {
			row.Components = append(
				row.Components,
				discordgo.Button{
					Label:    b.Label,
					CustomID: b.CustomID,
					Style:    b.Style,
					Disabled: b.Disabled,
				},
			)
		}
		rows = append(rows, row)
	}
	return rows
}

// normalizeInteraction is the shared event normalization; the variants
// only differ in how the interaction arrived.
func normalizeInteraction(
	i *discordgo.InteractionCreate,
	via ReceiveMethod,
) (*CommandEvent, error) {
	if i == nil || i.Interaction == nil {
		return nil, errors.New("nil interaction")
	}
	if i.Type != discordgo.InteractionApplicationCommand {
		return nil, fmt.Errorf(
			"unsupported interaction type: %s",
			i.Type.String(),
		)
	}
	if i.GuildID == "" {
		return nil, errEventWithoutGuild
	}

	var user *discordgo.User
	if i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		user = i.User
	}
	if user == nil {
		return nil, errors.New("interaction has no user")
	}

	data := i.ApplicationCommandData()
	event := &CommandEvent{
		InteractionID: i.ID,
		GuildID:       GuildID(i.GuildID),
		UserID:        UserID(user.ID),
		Username:      user.Username,
		Command:       data.Name,
		Options:       map[string]string{},
		ReceivedVia:   via,
		interaction:   i,
	}

	options := data.Options
	if len(options) == 1 &&
		options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		event.Subcommand = options[0].Name
		options = options[0].Options
	}
	for _, opt := range options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			event.Options[opt.Name] = opt.StringValue()
		default:
			event.Options[opt.Name] = fmt.Sprintf("%v", opt.Value)
		}
	}
	return event, nil
}

// gatewayAdapter is the websocket-gateway variant.
type gatewayAdapter struct {
	embedBuilder
	logger *slog.Logger
}

func newGatewayAdapter(
	config *DiscordConfig,
	handler slog.Handler,
) (ClientAdapter, error) {
	if config.Token == "" {
		return nil, errors.New("gateway variant requires a bot token")
	}
	return &gatewayAdapter{
		logger: slog.New(handler).With(loggerNameKey, "gateway_adapter"),
	}, nil
}

func (*gatewayAdapter) Method() ReceiveMethod {
	return ReceiveMethodGateway
}

func (a *gatewayAdapter) NormalizeEvent(
	i *discordgo.InteractionCreate,
) (*CommandEvent, error) {
	return normalizeInteraction(i, ReceiveMethodGateway)
}

// webhookAdapter is the signed-webhook variant. It additionally holds
// the Ed25519 key used to verify interaction POSTs.
type webhookAdapter struct {
	embedBuilder
	logger    *slog.Logger
	publicKey ed25519.PublicKey
}

func newWebhookAdapter(
	config *DiscordConfig,
	handler slog.Handler,
) (ClientAdapter, error) {
	if config.WebhookPublicKey == "" {
		return nil, errors.New("webhook variant requires a public key")
	}
	key, err := hex.DecodeString(config.WebhookPublicKey)
	if err != nil {
		return nil, fmt.Errorf("error decoding public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf(
			"public key must be %d bytes, got %d",
			ed25519.PublicKeySize,
			len(key),
		)
	}
	return &webhookAdapter{
		logger:    slog.New(handler).With(loggerNameKey, "webhook_adapter"),
		publicKey: ed25519.PublicKey(key),
	}, nil
}

func (*webhookAdapter) Method() ReceiveMethod {
	return ReceiveMethodWebhook
}

func (a *webhookAdapter) NormalizeEvent(
	i *discordgo.InteractionCreate,
) (*CommandEvent, error) {
	return normalizeInteraction(i, ReceiveMethodWebhook)
}

// PublicKey exposes the verification key for the webhook listener.
func (a *webhookAdapter) PublicKey() ed25519.PublicKey {
	return a.publicKey
}

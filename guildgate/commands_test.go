package guildgate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResponder records interaction responses in place of a discord
// session.
type fakeResponder struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
}

func (r *fakeResponder) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	return nil
}

func (r *fakeResponder) last(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.responses)
	return r.responses[len(r.responses)-1]
}

func testDispatcherConfig() *Config {
	config := DefaultConfig()
	config.Mongo.URI = "mongodb://127.0.0.1:27017"
	config.Discord.Token = "token"
	config.Discord.ApplicationID = "app-1"
	config.Discord.AdminUserIDs = []string{"admin-1"}
	return config
}

func newTestDispatcher(t testing.TB) (
	*CommandDispatcher,
	*StoreGateway,
	*TelemetrySink,
) {
	t.Helper()
	gateway, _ := newTestGateway(t)
	sink := NewTelemetrySink(testLogHandler(t))
	config := testDispatcherConfig()
	evaluator := NewEvaluator(
		gateway,
		NewEntitlementCache(),
		sink,
		testLogHandler(t),
		time.Minute,
	)
	adapter, err := newGatewayAdapter(config.Discord, testLogHandler(t))
	require.NoError(t, err)

	dispatcher := NewCommandDispatcher(
		evaluator,
		gateway,
		sink,
		adapter,
		config,
		testLogHandler(t),
	)
	return dispatcher, gateway, sink
}

func subcommandInteraction(
	guildID string,
	userID string,
	command string,
	subcommand string,
	options map[string]string,
) *discordgo.InteractionCreate {
	var optionData []*discordgo.ApplicationCommandInteractionDataOption
	for name, value := range options {
		optionData = append(
			optionData,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  name,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: value,
			},
		)
	}
	return commandInteraction(
		guildID,
		userID,
		discordgo.ApplicationCommandInteractionData{
			Name: command,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:    subcommand,
					Type:    discordgo.ApplicationCommandOptionSubCommand,
					Options: optionData,
				},
			},
		},
	)
}

func TestHandleInteractionGuildless(t *testing.T) {
	t.Parallel()
	dispatcher, _, _ := newTestDispatcher(t)
	responder := &fakeResponder{}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:   "interaction-1",
			Type: discordgo.InteractionApplicationCommand,
			User: &discordgo.User{ID: "user-1", Username: "someuser"},
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandPremium,
			},
		},
	}
	dispatcher.HandleInteraction(context.Background(), responder, i)

	resp := responder.last(t)
	assert.Equal(t, "That only works inside a server.", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestPremiumStatusCommand(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

	tier := TierPremium
	_, err := gateway.Upsert(ctx, GuildID("guild-1"), RecordPatch{Tier: &tier})
	require.NoError(t, err)

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"user-1",
			DiscordSlashCommandPremium,
			subcommandStatus,
			nil,
		),
	)

	resp := responder.last(t)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, "Premium status", embed.Title)
	require.NotEmpty(t, embed.Fields)
	assert.Equal(t, "Tier", embed.Fields[0].Name)
	assert.Equal(t, "premium", embed.Fields[0].Value)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestPremiumStatusUsesEvaluatorClock(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

	tier := TierPremium
	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	_, err := gateway.Upsert(
		ctx,
		GuildID("guild-1"),
		RecordPatch{Tier: &tier, ExpiresAt: &expiresAt},
	)
	require.NoError(t, err)

	// the evaluator's clock decides expiry: two days from now the grant
	// has lapsed even though it still looks current on the wall clock
	dispatcher.evaluator.clock = func() time.Time {
		return time.Now().UTC().Add(48 * time.Hour)
	}

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"user-1",
			DiscordSlashCommandPremium,
			subcommandStatus,
			nil,
		),
	)

	resp := responder.last(t)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	require.NotEmpty(t, embed.Fields)
	assert.Equal(t, "Tier", embed.Fields[0].Name)
	assert.Equal(t, TierNone.String(), embed.Fields[0].Value)
}

func TestPremiumFeaturesCommand(t *testing.T) {
	t.Parallel()
	dispatcher, _, _ := newTestDispatcher(t)
	responder := &fakeResponder{}

	dispatcher.HandleInteraction(
		context.Background(),
		responder,
		subcommandInteraction(
			"guild-1",
			"user-1",
			DiscordSlashCommandPremium,
			subcommandFeatures,
			nil,
		),
	)

	resp := responder.last(t)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	require.Len(t, embed.Fields, len(Features()))
	// unknown guild: everything reads as disabled
	for _, field := range embed.Fields {
		assert.Equal(t, "disabled", field.Value)
	}
}

func TestPremiumAdminDenied(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	responder := &fakeResponder{}

	dispatcher.HandleInteraction(
		context.Background(),
		responder,
		subcommandInteraction(
			"guild-1",
			"user-2",
			DiscordSlashCommandPremiumAdmin,
			subcommandGrant,
			map[string]string{optionTier: "enterprise"},
		),
	)

	resp := responder.last(t)
	assert.Equal(t, premiumAdminDeniedMessage, resp.Data.Content)

	// nothing was written
	_, err := gateway.Fetch(context.Background(), GuildID("guild-1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPremiumAdminGrant(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()
	responder := &fakeResponder{}

	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"admin-1",
			DiscordSlashCommandPremiumAdmin,
			subcommandGrant,
			map[string]string{optionTier: "premium", optionDays: "7"},
		),
	)

	resp := responder.last(t)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Entitlement updated", resp.Data.Embeds[0].Title)

	rec, err := gateway.Fetch(ctx, GuildID("guild-1"))
	require.NoError(t, err)
	assert.Equal(t, TierPremium, rec.Tier)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(
		t,
		time.Now().UTC().AddDate(0, 0, 7),
		*rec.ExpiresAt,
		time.Minute,
	)

	// the write invalidated the cache: checks see the new tier at once
	assert.True(
		t,
		dispatcher.evaluator.IsEnabled(ctx, "guild-1", FeatureWelcomeGIF),
	)
}

func TestPremiumAdminGrantNonExpiring(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()
	responder := &fakeResponder{}

	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"admin-1",
			DiscordSlashCommandPremiumAdmin,
			subcommandGrant,
			map[string]string{optionTier: "enterprise", optionDays: "0"},
		),
	)

	rec, err := gateway.Fetch(ctx, GuildID("guild-1"))
	require.NoError(t, err)
	assert.Equal(t, TierEnterprise, rec.Tier)
	assert.Nil(t, rec.ExpiresAt)
}

func TestPremiumAdminRevoke(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

	tier := TierEnterprise
	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	_, err := gateway.Upsert(
		ctx,
		GuildID("guild-1"),
		RecordPatch{
			Tier:             &tier,
			ExpiresAt:        &expiresAt,
			FeatureOverrides: map[Feature]bool{FeatureWelcomeGIF: true},
		},
	)
	require.NoError(t, err)

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"admin-1",
			DiscordSlashCommandPremiumAdmin,
			subcommandRevoke,
			nil,
		),
	)

	rec, err := gateway.Fetch(ctx, GuildID("guild-1"))
	require.NoError(t, err)
	assert.Equal(t, TierNone, rec.Tier)
	assert.Nil(t, rec.ExpiresAt)
	assert.Empty(t, rec.FeatureOverrides)
}

func TestPremiumAdminOverrideMerges(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

	tier := TierPremium
	_, err := gateway.Upsert(
		ctx,
		GuildID("guild-1"),
		RecordPatch{
			Tier:             &tier,
			FeatureOverrides: map[Feature]bool{FeatureWelcomeGIF: false},
		},
	)
	require.NoError(t, err)

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"admin-1",
			DiscordSlashCommandPremiumAdmin,
			subcommandOverride,
			map[string]string{
				optionFeature: string(FeatureCustomCommands),
				optionEnabled: "true",
			},
		),
	)

	rec, err := gateway.Fetch(ctx, GuildID("guild-1"))
	require.NoError(t, err)
	// the earlier override survives the new one
	assert.Equal(
		t,
		map[Feature]bool{
			FeatureWelcomeGIF:     false,
			FeatureCustomCommands: true,
		},
		rec.FeatureOverrides,
	)
}

// conflictingStore injects version conflicts ahead of a real store.
type conflictingStore struct {
	recordStore
	remaining int
}

func (s *conflictingStore) Upsert(
	ctx context.Context,
	tenantID GuildID,
	patch RecordPatch,
) (*EntitlementRecord, error) {
	if s.remaining > 0 {
		s.remaining--
		return nil, fmt.Errorf("%w: stamp advanced", ErrConflict)
	}
	return s.recordStore.Upsert(ctx, tenantID, patch)
}

func TestAdminUpdateRetriesOnceOnConflict(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()
	dispatcher.store = &conflictingStore{recordStore: gateway, remaining: 1}

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"admin-1",
			DiscordSlashCommandPremiumAdmin,
			subcommandGrant,
			map[string]string{optionTier: "basic"},
		),
	)

	resp := responder.last(t)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Entitlement updated", resp.Data.Embeds[0].Title)

	rec, err := gateway.Fetch(ctx, GuildID("guild-1"))
	require.NoError(t, err)
	assert.Equal(t, TierBasic, rec.Tier)
}

func TestAdminUpdateGivesUpAfterSecondConflict(t *testing.T) {
	t.Parallel()
	dispatcher, gateway, sink := newTestDispatcher(t)
	ctx := context.Background()
	dispatcher.store = &conflictingStore{recordStore: gateway, remaining: 5}

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		ctx,
		responder,
		subcommandInteraction(
			"guild-1",
			"admin-1",
			DiscordSlashCommandPremiumAdmin,
			subcommandGrant,
			map[string]string{optionTier: "basic"},
		),
	)

	resp := responder.last(t)
	assert.Equal(t, DefaultDiscordErrorMessage, resp.Data.Content)

	events := sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "ConflictError", events[len(events)-1].ErrorKind)
}

func TestCommandFailureShowsGenericMessage(t *testing.T) {
	t.Parallel()
	gateway, _ := newTestGateway(t)
	sink := NewTelemetrySink(testLogHandler(t))
	config := testDispatcherConfig()

	failing := newBlockingFetcher()
	failing.err = fmt.Errorf("%w: connection reset", ErrStoreUnavailable)
	evaluator := NewEvaluator(
		failing,
		NewEntitlementCache(),
		sink,
		testLogHandler(t),
		time.Minute,
	)
	adapter, err := newGatewayAdapter(config.Discord, testLogHandler(t))
	require.NoError(t, err)
	dispatcher := NewCommandDispatcher(
		evaluator,
		gateway,
		sink,
		adapter,
		config,
		testLogHandler(t),
	)

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		context.Background(),
		responder,
		subcommandInteraction(
			"guild-1",
			"user-1",
			DiscordSlashCommandPremium,
			subcommandStatus,
			nil,
		),
	)

	// the user sees the generic message, never the cause
	resp := responder.last(t)
	assert.Equal(t, DefaultDiscordErrorMessage, resp.Data.Content)

	events := sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "StoreUnavailable", events[len(events)-1].ErrorKind)
	assert.Equal(t, GuildID("guild-1"), events[len(events)-1].TenantID)
}

func TestDispatchRateLimited(t *testing.T) {
	t.Parallel()
	dispatcher, _, _ := newTestDispatcher(t)
	dispatcher.limiter.SetLimit(0)
	dispatcher.limiter.SetBurst(0)

	responder := &fakeResponder{}
	dispatcher.HandleInteraction(
		context.Background(),
		responder,
		subcommandInteraction(
			"guild-1",
			"user-1",
			DiscordSlashCommandPremium,
			subcommandStatus,
			nil,
		),
	)

	resp := responder.last(t)
	assert.Contains(t, resp.Data.Content, "try again")
}

func TestApplicationCommands(t *testing.T) {
	t.Parallel()
	dispatcher, _, _ := newTestDispatcher(t)

	commands := dispatcher.applicationCommands()
	require.Len(t, commands, 2)
	assert.Equal(t, DiscordSlashCommandPremium, commands[0].Name)
	assert.Equal(t, DiscordSlashCommandPremiumAdmin, commands[1].Name)
	require.NotNil(t, commands[1].DefaultMemberPermissions)
}

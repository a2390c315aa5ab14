package guildgate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// Premium feature catalog. The set a guild gets is determined by its
// effective tier, adjusted by any explicit per-guild overrides.
const (
	FeatureCustomPrefix      Feature = "custom_prefix"
	FeatureExtendedLogs      Feature = "extended_logs"
	FeatureAutoResponses     Feature = "auto_responses"
	FeatureAdvancedAnalytics Feature = "advanced_analytics"
	FeatureWelcomeGIF        Feature = "welcome_gif"
	FeatureCustomCommands    Feature = "custom_commands"
	FeatureReactionRoles     Feature = "reaction_roles"
)

// featureMinTier is the static tier table: a feature is enabled for
// any tier at or above its minimum, which makes every tier's feature
// set a strict superset of the one below it.
var featureMinTier = map[Feature]Tier{
	FeatureCustomPrefix:      TierBasic,
	FeatureExtendedLogs:      TierBasic,
	FeatureAutoResponses:     TierPremium,
	FeatureAdvancedAnalytics: TierPremium,
	FeatureWelcomeGIF:        TierPremium,
	FeatureCustomCommands:    TierEnterprise,
	FeatureReactionRoles:     TierEnterprise,
}

// enables reports whether the tier includes the feature by default
// (before per-guild overrides).
func (t Tier) enables(f Feature) bool {
	minTier, ok := featureMinTier[f]
	if !ok {
		return false
	}
	return t.rank() >= minTier.rank()
}

// Features returns the full feature catalog in stable order.
func Features() []Feature {
	features := make([]Feature, 0, len(featureMinTier))
	for f := range featureMinTier {
		features = append(features, f)
	}
	sort.Slice(
		features, func(i, j int) bool {
			return features[i] < features[j]
		},
	)
	return features
}

// recordFetcher is the store surface the evaluator needs.
// *StoreGateway satisfies it.
type recordFetcher interface {
	Fetch(ctx context.Context, tenantID GuildID) (*EntitlementRecord, error)
}

// Evaluator answers "is feature F enabled for guild G". It consults
// the in-memory cache first, falling back to the store gateway on a
// miss, with concurrent misses for the same guild coalesced into a
// single fetch. The only admissible lookup key anywhere in the chain
// is a GuildID.
type Evaluator struct {
	store     recordFetcher
	cache     *EntitlementCache
	telemetry *TelemetrySink
	logger    *slog.Logger

	// cacheTTL bounds how stale a served record may be
	cacheTTL time.Duration

	group singleflight.Group
	clock func() time.Time
}

func NewEvaluator(
	store recordFetcher,
	cache *EntitlementCache,
	telemetry *TelemetrySink,
	handler slog.Handler,
	cacheTTL time.Duration,
) *Evaluator {
	if cacheTTL <= 0 {
		cacheTTL = DefaultEntitlementCacheTTL
	}
	return &Evaluator{
		store:     store,
		cache:     cache,
		telemetry: telemetry,
		logger:    slog.New(handler).With(loggerNameKey, "entitlement"),
		cacheTTL:  cacheTTL,
		clock:     time.Now,
	}
}

// IsEnabled reports whether the named feature is enabled for the
// guild. Overrides always win over tier defaults. On any lookup
// failure the check fails closed: the feature reads as disabled, one
// telemetry event is recorded, and no error reaches the dispatch path.
func (e *Evaluator) IsEnabled(
	ctx context.Context,
	tenantID GuildID,
	feature Feature,
) bool {
	record, err := e.Resolve(ctx, tenantID)
	if err != nil {
		e.telemetry.RecordError(
			ctx,
			"entitlement_evaluator",
			tenantID,
			err,
			map[string]any{"feature": string(feature)},
		)
		e.logger.WarnContext(
			ctx,
			"entitlement check failed closed",
			fieldTenantID, string(tenantID),
			"feature", string(feature),
			"error", err,
		)
		return false
	}

	if enabled, ok := record.FeatureOverrides[feature]; ok {
		return enabled
	}
	return record.EffectiveTier(e.clock()).enables(feature)
}

// EffectiveTier returns the guild's current effective tier, or
// TierNone (fail closed) when the record can't be resolved.
func (e *Evaluator) EffectiveTier(
	ctx context.Context,
	tenantID GuildID,
) Tier {
	record, err := e.Resolve(ctx, tenantID)
	if err != nil {
		e.telemetry.RecordError(
			ctx,
			"entitlement_evaluator",
			tenantID,
			err,
			nil,
		)
		return TierNone
	}
	return record.EffectiveTier(e.clock())
}

// EnabledFeatures returns the catalog features currently enabled for
// the guild.
func (e *Evaluator) EnabledFeatures(
	ctx context.Context,
	tenantID GuildID,
) []Feature {
	var enabled []Feature
	for _, f := range Features() {
		if e.IsEnabled(ctx, tenantID, f) {
			enabled = append(enabled, f)
		}
	}
	return enabled
}

// Invalidate drops the guild's cached record. Called by the
// administrative update path after every successful write.
func (e *Evaluator) Invalidate(tenantID GuildID) {
	e.cache.Invalidate(tenantID)
}

// Resolve returns the guild's entitlement record from cache, fetching
// and populating on a miss. Concurrent misses for the same guild
// collapse into one store fetch whose result every waiter receives. A
// caller whose context is cancelled while waiting abandons the wait;
// the in-flight fetch completes for the remaining waiters.
func (e *Evaluator) Resolve(
	ctx context.Context,
	tenantID GuildID,
) (*EntitlementRecord, error) {
	if record, ok := e.cache.Get(tenantID); ok {
		return record, nil
	}

	// The fetch deliberately outlives any single caller's context:
	// its result is broadcast to every coalesced waiter
	flightCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan(
		string(tenantID), func() (any, error) {
			return e.fetch(flightCtx, tenantID)
		},
	)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*EntitlementRecord), nil
	}
}

func (e *Evaluator) fetch(
	ctx context.Context,
	tenantID GuildID,
) (*EntitlementRecord, error) {
	record, err := e.store.Fetch(ctx, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// No record is a valid result: cache the tier-none default so
		// repeat checks for an unknown guild don't hammer the store
		record = &EntitlementRecord{
			TenantID: tenantID,
			Tier:     TierNone,
			Active:   true,
		}
		e.logger.DebugContext(
			ctx,
			"no entitlement record, caching default",
			fieldTenantID, string(tenantID),
		)
	default:
		return nil, err
	}

	e.cache.Put(tenantID, record, e.cacheTTL)
	return record, nil
}

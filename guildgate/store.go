package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	fieldTenantID         = "tenant_id"
	fieldTier             = "tier"
	fieldExpiresAt        = "expires_at"
	fieldFeatureOverrides = "feature_overrides"
	fieldActive           = "active"
	fieldCreatedAt        = "created_at"
	fieldUpdatedAt        = "updated_at"
)

// GuildID is a tenant identifier. Entitlement is keyed by this type and
// only this type - a UserID cannot be passed where a GuildID is
// required.
type GuildID string

// UserID is a Discord user identifier. Deliberately distinct from
// GuildID: no entitlement lookup accepts one.
type UserID string

// Tier is a guild's entitlement tier. Each tier's feature set is a
// strict superset of the one below it.
type Tier string

const (
	TierNone       Tier = "none"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

var tierRanks = map[Tier]int{
	TierNone:       0,
	TierBasic:      1,
	TierPremium:    2,
	TierEnterprise: 3,
}

// ParseTier validates a tier name from user or admin input.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRanks[t]; !ok {
		return TierNone, fmt.Errorf("unknown tier: %q", s)
	}
	return t, nil
}

func (t Tier) rank() int {
	return tierRanks[t]
}

func (t Tier) String() string {
	return string(t)
}

// Feature is a named premium feature gated per guild.
type Feature string

// EntitlementRecord is the persisted entitlement document for a single
// guild. Records are created on first interaction (tier none), mutated
// only through the administrative update path, and never physically
// deleted - a departed guild is marked inactive to preserve history.
type EntitlementRecord struct {
	// TenantID is the guild ID. Primary key.
	TenantID GuildID `bson:"tenant_id" json:"tenant_id"`

	// Tier is the stored entitlement tier. The effective tier may be
	// lower: see EntitlementRecord.EffectiveTier.
	Tier Tier `bson:"tier" json:"tier"`

	// ExpiresAt, if set, is when the stored tier lapses. Absent means
	// non-expiring.
	ExpiresAt *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`

	// FeatureOverrides are explicit per-guild overrides that take
	// precedence over tier defaults, in either direction.
	FeatureOverrides map[Feature]bool `bson:"feature_overrides,omitempty" json:"feature_overrides,omitempty"`

	// Active is false once the guild has departed
	Active bool `bson:"active" json:"active"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`

	// UpdatedAt is stamped by the gateway clock on every write, and is
	// the version stamp for optimistic concurrency.
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// EffectiveTier returns the tier entitlement checks should use at the
// given instant: the stored tier, demoted to none when the record has
// expired or the guild is inactive.
func (r *EntitlementRecord) EffectiveTier(now time.Time) Tier {
	if !r.Active {
		return TierNone
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
		return TierNone
	}
	return r.Tier
}

func (r *EntitlementRecord) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String(fieldTenantID, string(r.TenantID)),
		slog.String(fieldTier, r.Tier.String()),
		slog.Bool(fieldActive, r.Active),
		slog.Time(fieldUpdatedAt, r.UpdatedAt),
	}
	if r.ExpiresAt != nil {
		attrs = append(attrs, slog.Time(fieldExpiresAt, *r.ExpiresAt))
	}
	if len(r.FeatureOverrides) > 0 {
		attrs = append(
			attrs,
			slog.Int("override_count", len(r.FeatureOverrides)),
		)
	}
	return slog.GroupValue(attrs...)
}

// FilterOp is a query predicate operator. Operators map 1:1 to their
// MongoDB counterparts but are validated before submission.
type FilterOp string

const (
	FilterEq     FilterOp = "$eq"
	FilterNe     FilterOp = "$ne"
	FilterGt     FilterOp = "$gt"
	FilterLt     FilterOp = "$lt"
	FilterIn     FilterOp = "$in"
	FilterExists FilterOp = "$exists"
)

var knownFilterOps = map[FilterOp]bool{
	FilterEq:     true,
	FilterNe:     true,
	FilterGt:     true,
	FilterLt:     true,
	FilterIn:     true,
	FilterExists: true,
}

// FieldFilter is an explicit (field, operator, value) predicate triple.
// Predicates are always built from these - never from a raw document -
// so a value of `false` or `0` is a real equality match, distinct from
// "field absent" (use FilterExists for that).
type FieldFilter struct {
	Field string
	Op    FilterOp
	Value any
}

func (f FieldFilter) validate() error {
	if f.Field == "" {
		return invalidFilterError{Field: f.Field, Reason: "empty field name"}
	}
	if !knownFilterOps[f.Op] {
		return invalidFilterError{
			Field:  f.Field,
			Reason: fmt.Sprintf("unknown operator %q", string(f.Op)),
		}
	}
	if f.Value == nil {
		return invalidFilterError{Field: f.Field, Reason: "nil value"}
	}
	if f.Op == FilterExists {
		if _, ok := f.Value.(bool); !ok {
			return invalidFilterError{
				Field:  f.Field,
				Reason: "$exists requires a bool value",
			}
		}
	}
	return nil
}

// compileFilters validates and compiles predicate triples into a bson
// filter document.
func compileFilters(filters []FieldFilter) (bson.D, error) {
	doc := bson.D{}
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return nil, err
		}
		doc = append(
			doc,
			bson.E{
				Key:   f.Field,
				Value: bson.D{{Key: string(f.Op), Value: f.Value}},
			},
		)
	}
	return doc, nil
}

// RecordPatch is a partial update applied to an entitlement record by
// StoreGateway.Upsert. Nil fields are left untouched.
type RecordPatch struct {
	// Tier replaces the stored tier
	Tier *Tier

	// ExpiresAt replaces the expiry timestamp
	ExpiresAt *time.Time

	// ClearExpiresAt unsets the expiry (record becomes non-expiring)
	ClearExpiresAt bool

	// FeatureOverrides, when non-nil, replaces the whole override map.
	// Pass an empty non-nil map to clear all overrides.
	FeatureOverrides map[Feature]bool

	// Active replaces the active flag
	Active *bool

	// ExpectedUpdatedAt, when non-zero, makes the write conditional on
	// the stored updated_at still matching. A mismatch fails with
	// ErrConflict.
	ExpectedUpdatedAt time.Time
}

func (p RecordPatch) empty() bool {
	return p.Tier == nil &&
		p.ExpiresAt == nil &&
		!p.ClearExpiresAt &&
		p.FeatureOverrides == nil &&
		p.Active == nil
}

// storeBackend is the narrow seam between gateway policy (filters,
// conflict detection, retry, clock) and the mongo driver, so policy is
// testable without a running mongod.
type storeBackend interface {
	findOne(ctx context.Context, filter bson.D) (*EntitlementRecord, error)
	updateOne(
		ctx context.Context,
		filter bson.D,
		update bson.D,
		upsert bool,
	) (matched int64, err error)
	find(ctx context.Context, filter bson.D) ([]EntitlementRecord, error)
	ping(ctx context.Context) error
	close(ctx context.Context) error
}

// StoreGateway normalizes access to the entitlement collection. It is
// the only component that touches the document store, and the only
// place transient store errors are retried.
type StoreGateway struct {
	backend storeBackend
	config  *MongoConfig
	logger  *slog.Logger

	// clock stamps updated_at on every successful write. Overridable
	// in tests.
	clock func() time.Time
}

// NewStoreGateway connects to MongoDB and verifies the connection.
// A connection string that can't be reached fails with
// ErrStoreUnavailable.
func NewStoreGateway(
	ctx context.Context,
	config *MongoConfig,
	handler slog.Handler,
) (*StoreGateway, error) {
	if config.URI == "" {
		return nil, errors.New("mongo: connection string required")
	}
	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(
		connectCtx,
		options.Client().ApplyURI(config.URI),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	backend := &mongoBackend{
		client: client,
		coll: client.Database(config.Database).Collection(
			config.Collection,
		),
	}
	return newStoreGateway(backend, config, handler), nil
}

func newStoreGateway(
	backend storeBackend,
	config *MongoConfig,
	handler slog.Handler,
) *StoreGateway {
	return &StoreGateway{
		backend: backend,
		config:  config,
		logger:  slog.New(handler).With(loggerNameKey, "store_gateway"),
		clock: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
}

// Fetch returns the entitlement record for the given guild, or
// ErrNotFound when no record exists.
func (g *StoreGateway) Fetch(
	ctx context.Context,
	tenantID GuildID,
) (*EntitlementRecord, error) {
	if tenantID == "" {
		return nil, errors.New("empty tenant ID")
	}
	filter, err := compileFilters(
		[]FieldFilter{
			{Field: fieldTenantID, Op: FilterEq, Value: string(tenantID)},
		},
	)
	if err != nil {
		return nil, err
	}

	var rec *EntitlementRecord
	err = g.withRetry(
		ctx, func() error {
			opCtx, cancel := g.opContext(ctx)
			defer cancel()
			rec, err = g.backend.findOne(opCtx, filter)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert atomically merges the patch into the guild's record, creating
// it with tier none if absent. Every successful write stamps updated_at
// from the gateway clock. When patch.ExpectedUpdatedAt is set and the
// stored stamp has advanced, Upsert fails with ErrConflict and writes
// nothing.
func (g *StoreGateway) Upsert(
	ctx context.Context,
	tenantID GuildID,
	patch RecordPatch,
) (*EntitlementRecord, error) {
	if tenantID == "" {
		return nil, errors.New("empty tenant ID")
	}
	if patch.empty() {
		return nil, errors.New("empty patch")
	}

	now := g.clock()
	set := bson.D{{Key: fieldUpdatedAt, Value: now}}
	var unset bson.D
	if patch.Tier != nil {
		if _, err := ParseTier(string(*patch.Tier)); err != nil {
			return nil, err
		}
		set = append(set, bson.E{Key: fieldTier, Value: *patch.Tier})
	}
	switch {
	case patch.ClearExpiresAt:
		unset = append(unset, bson.E{Key: fieldExpiresAt, Value: ""})
	case patch.ExpiresAt != nil:
		set = append(
			set,
			bson.E{Key: fieldExpiresAt, Value: patch.ExpiresAt.UTC()},
		)
	}
	if patch.FeatureOverrides != nil {
		set = append(
			set,
			bson.E{Key: fieldFeatureOverrides, Value: patch.FeatureOverrides},
		)
	}
	if patch.Active != nil {
		set = append(set, bson.E{Key: fieldActive, Value: *patch.Active})
	}

	var err error
	if patch.ExpectedUpdatedAt.IsZero() {
		err = g.unconditionalUpsert(ctx, tenantID, patch, set, unset, now)
	} else {
		err = g.conditionalUpdate(ctx, tenantID, patch, set, unset)
	}
	if err != nil {
		return nil, err
	}

	rec, err := g.Fetch(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading back record after upsert: %w", err)
	}
	g.logger.InfoContext(
		ctx,
		"upserted entitlement record",
		"record", rec,
	)
	return rec, nil
}

func (g *StoreGateway) unconditionalUpsert(
	ctx context.Context,
	tenantID GuildID,
	patch RecordPatch,
	set bson.D,
	unset bson.D,
	now time.Time,
) error {
	// $setOnInsert may only carry fields the patch doesn't touch,
	// otherwise the server rejects the update for conflicting paths
	soi := bson.D{
		{Key: fieldTenantID, Value: string(tenantID)},
		{Key: fieldCreatedAt, Value: now},
	}
	if patch.Tier == nil {
		soi = append(soi, bson.E{Key: fieldTier, Value: TierNone})
	}
	if patch.Active == nil {
		soi = append(soi, bson.E{Key: fieldActive, Value: true})
	}

	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: soi},
	}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	filter, err := compileFilters(
		[]FieldFilter{
			{Field: fieldTenantID, Op: FilterEq, Value: string(tenantID)},
		},
	)
	if err != nil {
		return err
	}

	return g.withRetry(
		ctx, func() error {
			opCtx, cancel := g.opContext(ctx)
			defer cancel()
			_, err := g.backend.updateOne(opCtx, filter, update, true)
			return err
		},
	)
}

func (g *StoreGateway) conditionalUpdate(
	ctx context.Context,
	tenantID GuildID,
	patch RecordPatch,
	set bson.D,
	unset bson.D,
) error {
	filter, err := compileFilters(
		[]FieldFilter{
			{Field: fieldTenantID, Op: FilterEq, Value: string(tenantID)},
			{
				Field: fieldUpdatedAt,
				Op:    FilterEq,
				Value: patch.ExpectedUpdatedAt.UTC(),
			},
		},
	)
	if err != nil {
		return err
	}
	update := bson.D{{Key: "$set", Value: set}}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}

	return g.withRetry(
		ctx, func() error {
			opCtx, cancel := g.opContext(ctx)
			defer cancel()
			matched, err := g.backend.updateOne(opCtx, filter, update, false)
			if err != nil {
				return err
			}
			if matched == 0 {
				return fmt.Errorf(
					"%w: %s changed since %s",
					ErrConflict,
					tenantID,
					patch.ExpectedUpdatedAt,
				)
			}
			return nil
		},
	)
}

// RecordQuery is a finite, restartable query: every All call
// re-executes the predicate against the store.
type RecordQuery struct {
	gateway *StoreGateway
	filter  bson.D
}

// Query validates the given predicates and returns a restartable query
// over matching records.
func (g *StoreGateway) Query(filters ...FieldFilter) (*RecordQuery, error) {
	filter, err := compileFilters(filters)
	if err != nil {
		return nil, err
	}
	return &RecordQuery{gateway: g, filter: filter}, nil
}

// All executes the query and returns all matching records.
func (q *RecordQuery) All(ctx context.Context) ([]EntitlementRecord, error) {
	var records []EntitlementRecord
	err := q.gateway.withRetry(
		ctx, func() error {
			opCtx, cancel := q.gateway.opContext(ctx)
			defer cancel()
			var err error
			records, err = q.gateway.backend.find(opCtx, q.filter)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Ping verifies the store connection.
func (g *StoreGateway) Ping(ctx context.Context) error {
	opCtx, cancel := g.opContext(ctx)
	defer cancel()
	return g.backend.ping(opCtx)
}

// Close releases the underlying connection pool.
func (g *StoreGateway) Close(ctx context.Context) error {
	return g.backend.close(ctx)
}

func (g *StoreGateway) opContext(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if g.config.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.config.OpTimeout)
}

// withRetry retries op with exponential backoff while it fails with
// ErrStoreUnavailable. Anything else is permanent and returned as-is.
func (g *StoreGateway) withRetry(ctx context.Context, op func() error) error {
	attempt := 0
	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(),
			g.config.MaxRetries,
		),
		ctx,
	)
	return backoff.Retry(
		func() error {
			attempt++
			err := op()
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrStoreUnavailable) {
				g.logger.WarnContext(
					ctx,
					"transient store failure",
					"attempt", attempt,
					"error", err,
				)
				return err
			}
			return backoff.Permanent(err)
		},
		bo,
	)
}

// mongoBackend is the production storeBackend over mongo-driver.
type mongoBackend struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func (m *mongoBackend) findOne(
	ctx context.Context,
	filter bson.D,
) (*EntitlementRecord, error) {
	var rec EntitlementRecord
	err := m.coll.FindOne(ctx, filter).Decode(&rec)
	if err != nil {
		return nil, classifyMongoErr(err)
	}
	return &rec, nil
}

func (m *mongoBackend) updateOne(
	ctx context.Context,
	filter bson.D,
	update bson.D,
	upsert bool,
) (int64, error) {
	result, err := m.coll.UpdateOne(
		ctx,
		filter,
		update,
		options.Update().SetUpsert(upsert),
	)
	if err != nil {
		return 0, classifyMongoErr(err)
	}
	return result.MatchedCount, nil
}

func (m *mongoBackend) find(
	ctx context.Context,
	filter bson.D,
) ([]EntitlementRecord, error) {
	cursor, err := m.coll.Find(ctx, filter)
	if err != nil {
		return nil, classifyMongoErr(err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var records []EntitlementRecord
	if err = cursor.All(ctx, &records); err != nil {
		return nil, classifyMongoErr(err)
	}
	return records, nil
}

func (m *mongoBackend) ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (m *mongoBackend) close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// classifyMongoErr maps driver errors into the gateway taxonomy:
// ErrNotFound for absent documents, ErrStoreUnavailable for anything
// that looks like the server can't be reached.
func classifyMongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	default:
		return err
	}
}

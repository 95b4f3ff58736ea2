package oracle

import (
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"btcfi/core/events"
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

const moduleName = "oracle"

var (
	ErrStalePrice            = nativecommon.Oracle("oracle: stale price")
	ErrOutOfRange            = nativecommon.Oracle("oracle: price out of range")
	ErrLowConfidence         = nativecommon.Oracle("oracle: confidence interval too wide")
	ErrCircuitBreakerTripped = nativecommon.Oracle("oracle: circuit breaker tripped")
	ErrPaused                = nativecommon.Oracle("oracle: feed paused")
	ErrNoPrice               = nativecommon.Oracle("oracle: no accepted price")
	ErrInvalidPrice          = nativecommon.Oracle("oracle: upstream price not positive at ledger precision")
	ErrFutureQuote           = nativecommon.Oracle("oracle: quote published in the future")
	ErrUnknownAsset          = nativecommon.Validation("oracle: asset not configured")
	ErrUnknownFeed           = nativecommon.Validation("oracle: unknown feed id")
	ErrInsufficientFee       = nativecommon.Validation("oracle: update fee not covered")
	ErrNotTripped            = nativecommon.State("oracle: circuit breaker not tripped")
)

const priceDecimals = 18

// Quote is a normalised price as accepted by the feed.
type Quote struct {
	Asset       units.AssetID
	Price       units.Price
	Confidence  units.Price
	PublishedAt uint64
}

// Source is the read surface engines depend on.
type Source interface {
	Price(asset units.AssetID) (units.Price, error)
}

type feedState struct {
	quotes   map[units.AssetID]Quote
	accepted map[units.AssetID]units.Price
	tripped  bool
	paused   bool
}

func (s *feedState) clone() *feedState {
	out := &feedState{
		quotes:   make(map[units.AssetID]Quote, len(s.quotes)),
		accepted: make(map[units.AssetID]units.Price, len(s.accepted)),
		tripped:  s.tripped,
		paused:   s.paused,
	}
	for k, v := range s.quotes {
		out.quotes[k] = v
	}
	for k, v := range s.accepted {
		out.accepted[k] = v
	}
	return out
}

// Feed wraps a Transport with staleness, sanity band, confidence and circuit
// breaker checks. Price never mutates state.
type Feed struct {
	cfg       Config
	transport Transport
	clock     nativecommon.Clock
	roles     *nativecommon.Roles
	pauses    nativecommon.PauseView
	emitter   events.Emitter
	logger    *slog.Logger
	guard     nativecommon.Reentrancy
	state     *feedState
}

// NewFeed constructs a feed. The configuration must already be validated.
func NewFeed(cfg Config, transport Transport, clock nativecommon.Clock, roles *nativecommon.Roles) *Feed {
	return &Feed{
		cfg:       cfg.clone(),
		transport: transport,
		clock:     clock,
		roles:     roles,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		state: &feedState{
			quotes:   make(map[units.AssetID]Quote),
			accepted: make(map[units.AssetID]units.Price),
		},
	}
}

func (f *Feed) SetEmitter(e events.Emitter) {
	if f == nil || e == nil {
		return
	}
	f.emitter = e
}

func (f *Feed) SetLogger(l *slog.Logger) {
	if f == nil || l == nil {
		return
	}
	f.logger = l
}

func (f *Feed) SetPauses(p nativecommon.PauseView) {
	if f == nil {
		return
	}
	f.pauses = p
}

// Module names the feed for pause toggles and snapshots.
func (f *Feed) Module() string { return moduleName }

// Price returns the last accepted price for asset after validating it
// against the current time.
func (f *Feed) Price(asset units.AssetID) (units.Price, error) {
	q, err := f.Quote(asset)
	if err != nil {
		return units.Price{}, err
	}
	return q.Price, nil
}

// Quote is Price with the full accepted quote.
func (f *Feed) Quote(asset units.AssetID) (Quote, error) {
	if f.state.paused || nativecommon.Guard(f.pauses, moduleName) != nil {
		return Quote{}, ErrPaused
	}
	if f.state.tripped {
		return Quote{}, ErrCircuitBreakerTripped
	}
	cfg, ok := f.cfg.Assets[asset]
	if !ok {
		return Quote{}, ErrUnknownAsset
	}
	q, ok := f.state.quotes[asset]
	if !ok {
		return Quote{}, ErrNoPrice
	}
	now := f.clock.Now()
	if now > q.PublishedAt && now-q.PublishedAt > f.cfg.MaxStaleness {
		return Quote{}, ErrStalePrice
	}
	if q.Price.Lt(cfg.MinPrice) || q.Price.Gt(cfg.MaxPrice) {
		return Quote{}, ErrOutOfRange
	}
	if err := checkConfidence(q, f.cfg.MaxConfidenceBps); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func checkConfidence(q Quote, maxBps units.Bps) error {
	lhs, overflow := new(uint256.Int).MulOverflow(q.Confidence.Uint256(), uint256.NewInt(units.BasisPoints))
	if overflow {
		return ErrLowConfidence
	}
	rhs, overflow := new(uint256.Int).MulOverflow(q.Price.Uint256(), uint256.NewInt(uint64(maxBps)))
	if overflow {
		return nil
	}
	if lhs.Gt(rhs) {
		return ErrLowConfidence
	}
	return nil
}

// Refresh pulls the latest print for asset. A move beyond the breaker
// threshold trips the feed and is not accepted; the trip itself is state and
// is reported through tripped rather than an error so it commits.
func (f *Feed) Refresh(asset units.AssetID) (tripped bool, err error) {
	release, err := f.guard.Enter()
	if err != nil {
		return false, err
	}
	defer release()
	return f.refresh(asset)
}

func (f *Feed) refresh(asset units.AssetID) (bool, error) {
	if f.state.paused || nativecommon.Guard(f.pauses, moduleName) != nil {
		return false, ErrPaused
	}
	if f.state.tripped {
		return false, ErrCircuitBreakerTripped
	}
	cfg, ok := f.cfg.Assets[asset]
	if !ok {
		return false, ErrUnknownAsset
	}
	raw, err := f.transport.GetPriceUnsafe(cfg.FeedID)
	if err != nil {
		return false, err
	}
	q, err := normalise(asset, raw)
	if err != nil {
		return false, err
	}
	if q.PublishedAt > f.clock.Now() {
		return false, ErrFutureQuote
	}
	if prev, ok := f.state.quotes[asset]; ok && q.PublishedAt < prev.PublishedAt {
		// Out of order prints never replace a newer accepted quote.
		return false, nil
	}
	if last, ok := f.state.accepted[asset]; ok && !last.IsZero() {
		change := deviationBps(last, q.Price)
		if change > f.cfg.BreakerBps {
			f.state.tripped = true
			f.logger.Warn("oracle circuit breaker tripped",
				slog.String("asset", asset.String()),
				slog.String("last", last.Display()),
				slog.String("incoming", q.Price.Display()),
				slog.Uint64("change_bps", uint64(change)))
			f.emitter.Emit(events.OracleBreakerTripped{Asset: asset, Last: last, Incoming: q.Price, ChangeBps: change})
			return true, nil
		}
	}
	f.state.quotes[asset] = q
	f.state.accepted[asset] = q.Price
	f.emitter.Emit(events.OraclePriceUpdated{Asset: asset, Price: q.Price, Confidence: q.Confidence, PublishedAt: q.PublishedAt})
	return false, nil
}

// RefreshAll refreshes every configured asset in id order and reports whether
// any refresh tripped the breaker.
func (f *Feed) RefreshAll() (bool, error) {
	release, err := f.guard.Enter()
	if err != nil {
		return false, err
	}
	defer release()
	for _, asset := range f.assets() {
		tripped, err := f.refresh(asset)
		if err != nil {
			return false, err
		}
		if tripped {
			return true, nil
		}
	}
	return false, nil
}

// Update pushes update blobs through the transport, paying the quoted fee,
// then refreshes every configured asset. The fee paid is returned.
func (f *Feed) Update(data [][]byte) (units.Sats, bool, error) {
	release, err := f.guard.Enter()
	if err != nil {
		return units.Sats{}, false, err
	}
	defer release()
	if f.state.paused || nativecommon.Guard(f.pauses, moduleName) != nil {
		return units.Sats{}, false, ErrPaused
	}
	fee, err := f.transport.GetUpdateFee(data)
	if err != nil {
		return units.Sats{}, false, err
	}
	if err := f.transport.UpdatePriceFeeds(data, fee); err != nil {
		return units.Sats{}, false, err
	}
	for _, asset := range f.assets() {
		tripped, err := f.refresh(asset)
		if err != nil {
			return units.Sats{}, false, err
		}
		if tripped {
			return fee, true, nil
		}
	}
	return fee, false, nil
}

// Reset re-arms a tripped breaker and forgets the last accepted prices so
// the next refresh re-anchors.
func (f *Feed) Reset(caller nativecommon.Caller) error {
	if err := f.roles.Require(nativecommon.RoleOracleAdmin, caller); err != nil {
		return err
	}
	if !f.state.tripped {
		return ErrNotTripped
	}
	f.state.tripped = false
	f.state.accepted = make(map[units.AssetID]units.Price)
	f.state.quotes = make(map[units.AssetID]Quote)
	f.emitter.Emit(events.OracleBreakerReset{By: caller})
	return nil
}

// SetPaused pauses or resumes the feed.
func (f *Feed) SetPaused(caller nativecommon.Caller, paused bool) error {
	if err := f.roles.Require(nativecommon.RoleOracleAdmin, caller); err != nil {
		return err
	}
	f.state.paused = paused
	return nil
}

// SetAsset installs or replaces an asset binding.
func (f *Feed) SetAsset(caller nativecommon.Caller, asset units.AssetID, cfg AssetConfig) error {
	if err := f.roles.Require(nativecommon.RoleOracleAdmin, caller); err != nil {
		return err
	}
	next := f.cfg.clone()
	next.Assets[asset] = cfg
	if err := next.Validate(); err != nil {
		return err
	}
	f.cfg = next
	return nil
}

// Tripped reports whether the breaker is engaged.
func (f *Feed) Tripped() bool { return f.state.tripped }

// Paused reports whether the feed is paused.
func (f *Feed) Paused() bool { return f.state.paused }

// LastQuote returns the cached quote without validation, for diagnostics.
func (f *Feed) LastQuote(asset units.AssetID) (Quote, bool) {
	q, ok := f.state.quotes[asset]
	return q, ok
}

func (f *Feed) assets() []units.AssetID {
	out := make([]units.AssetID, 0, len(f.cfg.Assets))
	for asset := range f.cfg.Assets {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalise(asset units.AssetID, raw RawPrice) (Quote, error) {
	if raw.Price <= 0 {
		return Quote{}, ErrInvalidPrice
	}
	price, err := scaleExpo(uint64(raw.Price), raw.Expo)
	if err != nil {
		return Quote{}, err
	}
	if price.IsZero() {
		return Quote{}, ErrInvalidPrice
	}
	conf, err := scaleExpo(raw.Conf, raw.Expo)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Asset: asset, Price: price, Confidence: conf, PublishedAt: raw.PublishTime}, nil
}

func scaleExpo(v uint64, expo int32) (units.Price, error) {
	shift := int64(priceDecimals) + int64(expo)
	base := units.New[units.DomainPrice](v)
	ten := uint256.NewInt(10)
	if shift >= 0 {
		factor := new(uint256.Int).Exp(ten, uint256.NewInt(uint64(shift)))
		return base.Scale(factor, uint256.NewInt(1))
	}
	if -shift > 77 {
		return units.Price{}, ErrInvalidPrice
	}
	divisor := new(uint256.Int).Exp(ten, uint256.NewInt(uint64(-shift)))
	return base.Scale(uint256.NewInt(1), divisor)
}

func deviationBps(last, next units.Price) units.Bps {
	var diff units.Price
	if next.Gt(last) {
		diff, _ = next.Sub(last)
	} else {
		diff, _ = last.Sub(next)
	}
	bps, err := units.RatioBps(diff, last)
	if err != nil {
		return units.Bps(^uint64(0))
	}
	return bps
}

// Checkpoint captures the feed state for the ledger.
func (f *Feed) Checkpoint() any { return f.state.clone() }

// Revert restores a checkpoint produced by Checkpoint.
func (f *Feed) Revert(checkpoint any) {
	if s, ok := checkpoint.(*feedState); ok {
		f.state = s.clone()
	}
}

type feedSnapshot struct {
	Quotes  []Quote
	Tripped bool
	Paused  bool
}

// EncodeState serialises the cached quotes and breaker flags.
func (f *Feed) EncodeState() ([]byte, error) {
	snap := feedSnapshot{Tripped: f.state.tripped, Paused: f.state.paused}
	for _, asset := range f.assets() {
		if q, ok := f.state.quotes[asset]; ok {
			snap.Quotes = append(snap.Quotes, q)
		}
	}
	return rlp.EncodeToBytes(&snap)
}

// DecodeState restores state written by EncodeState.
func (f *Feed) DecodeState(data []byte) error {
	var snap feedSnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	next := &feedState{
		quotes:   make(map[units.AssetID]Quote, len(snap.Quotes)),
		accepted: make(map[units.AssetID]units.Price, len(snap.Quotes)),
		tripped:  snap.Tripped,
		paused:   snap.Paused,
	}
	for _, q := range snap.Quotes {
		next.quotes[q.Asset] = q
		next.accepted[q.Asset] = q.Price
	}
	f.state = next
	return nil
}

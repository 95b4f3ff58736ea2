package oracle

import (
	"errors"
	"testing"

	"btcfi/core/events"
	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

const btcFeed = "BTC/USD"

var (
	testAdmin  = crypto.DeriveAddress(crypto.AccountPrefix, "admin")
	testRandom = crypto.DeriveAddress(crypto.AccountPrefix, "random")
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func newTestFeed(t *testing.T, now uint64) (*Feed, *StaticTransport, *nativecommon.ManualClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Assets[units.AssetBTC] = AssetConfig{
		FeedID:   btcFeed,
		MinPrice: units.Whole[units.DomainPrice](1_000),
		MaxPrice: units.Whole[units.DomainPrice](1_000_000),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	clock := nativecommon.NewManualClock(now)
	transport := NewStaticTransport(units.New[units.DomainBTC](10))
	feed := NewFeed(cfg, transport, clock, nativecommon.NewRoles(testAdmin))
	return feed, transport, clock
}

func pyth(price int64, conf uint64, publish uint64) RawPrice {
	return RawPrice{Price: price * 100_000_000, Conf: conf * 100_000_000, Expo: -8, PublishTime: publish}
}

func TestStalenessBoundary(t *testing.T) {
	feed, transport, clock := newTestFeed(t, 10_000)
	transport.Set(btcFeed, pyth(50_000, 10, 10_000))
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	clock.Set(13_600)
	price, err := feed.Price(units.AssetBTC)
	if err != nil {
		t.Fatalf("quote 3600s old should be fresh: %v", err)
	}
	if !price.Eq(units.Whole[units.DomainPrice](50_000)) {
		t.Fatalf("unexpected normalised price %s", price.Display())
	}

	clock.Set(13_601)
	if _, err := feed.Price(units.AssetBTC); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if nativecommon.KindOf(ErrStalePrice) != nativecommon.KindOracle {
		t.Fatalf("stale price should classify as oracle error")
	}
}

func TestCircuitBreakerTripsAndResets(t *testing.T) {
	feed, transport, clock := newTestFeed(t, 1_000)
	emitter := &recordingEmitter{}
	feed.SetEmitter(emitter)

	transport.Set(btcFeed, pyth(50_000, 10, 1_000))
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	clock.Advance(60)
	transport.Set(btcFeed, pyth(60_050, 10, 1_060))
	tripped, err := feed.Refresh(units.AssetBTC)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !tripped || !feed.Tripped() {
		t.Fatalf("expected breaker to trip on a >20%% move")
	}
	if _, err := feed.Price(units.AssetBTC); !errors.Is(err, ErrCircuitBreakerTripped) {
		t.Fatalf("expected ErrCircuitBreakerTripped, got %v", err)
	}
	if q, _ := feed.LastQuote(units.AssetBTC); !q.Price.Eq(units.Whole[units.DomainPrice](50_000)) {
		t.Fatalf("tripping move must not be accepted, cached %s", q.Price.Display())
	}

	if err := feed.Reset(testRandom); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized reset, got %v", err)
	}
	if err := feed.Reset(testAdmin); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh after reset: %v", err)
	}
	if _, err := feed.Price(units.AssetBTC); err != nil {
		t.Fatalf("price after re-anchor: %v", err)
	}

	var sawTrip bool
	for _, evt := range emitter.events {
		if evt.EventType() == events.TypeOracleBreakerTripped {
			sawTrip = true
		}
	}
	if !sawTrip {
		t.Fatalf("expected breaker tripped event")
	}
}

func TestMoveWithinThresholdAccepted(t *testing.T) {
	feed, transport, clock := newTestFeed(t, 1_000)
	transport.Set(btcFeed, pyth(50_000, 10, 1_000))
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	clock.Advance(10)
	transport.Set(btcFeed, pyth(60_000, 10, 1_010))
	tripped, err := feed.Refresh(units.AssetBTC)
	if err != nil || tripped {
		t.Fatalf("exactly 20%% should be accepted, tripped=%v err=%v", tripped, err)
	}
}

func TestSanityBandAndConfidence(t *testing.T) {
	feed, transport, _ := newTestFeed(t, 1_000)
	transport.Set(btcFeed, pyth(500, 1, 1_000))
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := feed.Price(units.AssetBTC); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	feed2, transport2, _ := newTestFeed(t, 1_000)
	// 2% is the default ceiling; 1,001 on 50,000 is just over.
	transport2.Set(btcFeed, pyth(50_000, 1_001, 1_000))
	if _, err := feed2.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := feed2.Price(units.AssetBTC); !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("expected ErrLowConfidence, got %v", err)
	}
}

func TestPausedFeedFailsClosed(t *testing.T) {
	feed, transport, _ := newTestFeed(t, 1_000)
	transport.Set(btcFeed, pyth(50_000, 10, 1_000))
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := feed.SetPaused(testAdmin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := feed.Price(units.AssetBTC); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if _, err := feed.Price(units.AssetUSDT); !errors.Is(err, ErrPaused) {
		t.Fatalf("paused check precedes asset lookup, got %v", err)
	}
}

func TestUpdatePaysFeeAndRefreshes(t *testing.T) {
	feed, transport, _ := newTestFeed(t, 2_000)
	blob, err := EncodeUpdate(btcFeed, pyth(42_000, 5, 1_990))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fee, tripped, err := feed.Update([][]byte{blob})
	if err != nil || tripped {
		t.Fatalf("update: tripped=%v err=%v", tripped, err)
	}
	if fee.String() != "10" || !transport.Collected().Eq(fee) {
		t.Fatalf("unexpected fee %s collected %s", fee, transport.Collected())
	}
	price, err := feed.Price(units.AssetBTC)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Display() != "42000" {
		t.Fatalf("unexpected price %s", price.Display())
	}
}

func TestFutureAndInvalidPrints(t *testing.T) {
	feed, transport, _ := newTestFeed(t, 1_000)
	transport.Set(btcFeed, pyth(50_000, 10, 1_001))
	if _, err := feed.Refresh(units.AssetBTC); !errors.Is(err, ErrFutureQuote) {
		t.Fatalf("expected ErrFutureQuote, got %v", err)
	}
	transport.Set(btcFeed, RawPrice{Price: -1, Expo: -8, PublishTime: 900})
	if _, err := feed.Refresh(units.AssetBTC); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	for _, expo := range []int32{-96, -40} {
		transport.Set(btcFeed, RawPrice{Price: 5_000_000_000_000, Expo: expo, PublishTime: 900})
		if _, err := feed.Refresh(units.AssetBTC); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("expo %d: expected ErrInvalidPrice, got %v", expo, err)
		}
	}
	if _, err := feed.Price(units.AssetUSDC); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	feed, transport, _ := newTestFeed(t, 1_000)
	transport.Set(btcFeed, pyth(50_000, 10, 1_000))
	if _, err := feed.Refresh(units.AssetBTC); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	data, err := feed.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	restored, _, _ := newTestFeed(t, 1_000)
	if err := restored.DecodeState(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	price, err := restored.Price(units.AssetBTC)
	if err != nil || price.Display() != "50000" {
		t.Fatalf("restored price %s err %v", price.Display(), err)
	}
}

package events

import (
	"btcfi/core/types"
	"btcfi/crypto"
	"btcfi/native/units"
)

const (
	// TypeOraclePriceUpdated is emitted whenever a refreshed quote is accepted.
	TypeOraclePriceUpdated = "oracle.priceUpdated"
	// TypeOracleBreakerTripped is emitted when a refresh moves further than the
	// breaker threshold and the feed halts.
	TypeOracleBreakerTripped = "oracle.breakerTripped"
	// TypeOracleBreakerReset is emitted when an oracle admin re-arms the feed.
	TypeOracleBreakerReset = "oracle.breakerReset"
)

// OraclePriceUpdated captures an accepted quote.
type OraclePriceUpdated struct {
	Asset       units.AssetID
	Price       units.Price
	Confidence  units.Price
	PublishedAt uint64
}

func (OraclePriceUpdated) EventType() string { return TypeOraclePriceUpdated }

func (e OraclePriceUpdated) Event() *types.Event {
	return &types.Event{Type: TypeOraclePriceUpdated, Attributes: map[string]string{
		"asset":       e.Asset.String(),
		"price":       e.Price.String(),
		"confidence":  e.Confidence.String(),
		"publishedAt": formatID(e.PublishedAt),
	}}
}

// OracleBreakerTripped captures the rejected move.
type OracleBreakerTripped struct {
	Asset     units.AssetID
	Last      units.Price
	Incoming  units.Price
	ChangeBps units.Bps
}

func (OracleBreakerTripped) EventType() string { return TypeOracleBreakerTripped }

func (e OracleBreakerTripped) Event() *types.Event {
	return &types.Event{Type: TypeOracleBreakerTripped, Attributes: map[string]string{
		"asset":     e.Asset.String(),
		"last":      e.Last.String(),
		"incoming":  e.Incoming.String(),
		"changeBps": formatID(uint64(e.ChangeBps)),
	}}
}

// OracleBreakerReset records who re-armed the feed.
type OracleBreakerReset struct {
	By crypto.Address
}

func (OracleBreakerReset) EventType() string { return TypeOracleBreakerReset }

func (e OracleBreakerReset) Event() *types.Event {
	return &types.Event{Type: TypeOracleBreakerReset, Attributes: map[string]string{"by": formatAddress(e.By)}}
}

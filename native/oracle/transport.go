package oracle

import (
	"encoding/json"
	"fmt"
	"sync"

	"btcfi/native/units"
)

// RawPrice is the unnormalised upstream print: price and confidence scaled by
// 10^Expo, published at a Unix timestamp.
type RawPrice struct {
	Price       int64  `json:"price"`
	Conf        uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime uint64 `json:"publishTime"`
}

// Transport abstracts the upstream pull oracle.
type Transport interface {
	GetUpdateFee(data [][]byte) (units.Sats, error)
	UpdatePriceFeeds(data [][]byte, fee units.Sats) error
	GetPriceUnsafe(feedID string) (RawPrice, error)
}

// StaticUpdate is the update blob understood by StaticTransport.
type StaticUpdate struct {
	FeedID string   `json:"feedId"`
	Price  RawPrice `json:"price"`
}

// StaticTransport is an in-memory transport used by devnets and tests. Update
// blobs are JSON encoded StaticUpdate values.
type StaticTransport struct {
	mu        sync.RWMutex
	prices    map[string]RawPrice
	feePerBlob units.Sats
	collected units.Sats
}

// NewStaticTransport returns a transport charging feePerBlob for each update.
func NewStaticTransport(feePerBlob units.Sats) *StaticTransport {
	return &StaticTransport{prices: make(map[string]RawPrice), feePerBlob: feePerBlob}
}

// Set overwrites the stored print for feedID.
func (t *StaticTransport) Set(feedID string, price RawPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[feedID] = price
}

// EncodeUpdate renders an update blob for UpdatePriceFeeds.
func EncodeUpdate(feedID string, price RawPrice) ([]byte, error) {
	return json.Marshal(StaticUpdate{FeedID: feedID, Price: price})
}

func (t *StaticTransport) GetUpdateFee(data [][]byte) (units.Sats, error) {
	total := units.Sats{}
	for range data {
		next, err := total.Add(t.feePerBlob)
		if err != nil {
			return units.Sats{}, err
		}
		total = next
	}
	return total, nil
}

func (t *StaticTransport) UpdatePriceFeeds(data [][]byte, fee units.Sats) error {
	required, err := t.GetUpdateFee(data)
	if err != nil {
		return err
	}
	if fee.Lt(required) {
		return ErrInsufficientFee
	}
	updates := make([]StaticUpdate, 0, len(data))
	for _, blob := range data {
		var update StaticUpdate
		if err := json.Unmarshal(blob, &update); err != nil {
			return fmt.Errorf("oracle: decode update: %w", err)
		}
		if update.FeedID == "" {
			return ErrUnknownFeed
		}
		updates = append(updates, update)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, update := range updates {
		t.prices[update.FeedID] = update.Price
	}
	collected, err := t.collected.Add(fee)
	if err != nil {
		return err
	}
	t.collected = collected
	return nil
}

func (t *StaticTransport) GetPriceUnsafe(feedID string) (RawPrice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	price, ok := t.prices[feedID]
	if !ok {
		return RawPrice{}, ErrUnknownFeed
	}
	return price, nil
}

// Collected reports the fees paid into the transport.
func (t *StaticTransport) Collected() units.Sats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collected
}

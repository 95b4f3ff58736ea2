package position

import (
	"sort"

	"btcfi/crypto"
	"btcfi/native/units"
)

// Book is the arena of positions keyed by a monotonically increasing id.
// Ids are never reused; closed positions stay in the book inactive.
type Book[D units.Domain] struct {
	nextID    uint64
	positions map[uint64]*Position[D]
	byOwner   map[crypto.Address][]uint64
}

func NewBook[D units.Domain]() *Book[D] {
	return &Book[D]{
		nextID:    1,
		positions: make(map[uint64]*Position[D]),
		byOwner:   make(map[crypto.Address][]uint64),
	}
}

// Open allocates the next id and stores a new active position.
func (b *Book[D]) Open(owner crypto.Address, collateral units.Amount[D], principal units.USD, rate, threshold units.Bps, now uint64) *Position[D] {
	p := &Position[D]{
		ID:                      b.nextID,
		Owner:                   owner,
		Collateral:              collateral,
		Principal:               principal,
		RateBps:                 rate,
		LastAccrual:             now,
		LiquidationThresholdBps: threshold,
		Active:                  true,
	}
	b.nextID++
	b.positions[p.ID] = p
	b.byOwner[owner] = append(b.byOwner[owner], p.ID)
	return p
}

// Get returns the stored position.
func (b *Book[D]) Get(id uint64) (*Position[D], error) {
	p, ok := b.positions[id]
	if !ok {
		return nil, ErrUnknownPosition
	}
	return p, nil
}

// Active returns the stored position if it is still active.
func (b *Book[D]) Active(id uint64) (*Position[D], error) {
	p, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrInactive
	}
	return p, nil
}

// Owned lists owner's position ids in creation order.
func (b *Book[D]) Owned(owner crypto.Address) []uint64 {
	return append([]uint64(nil), b.byOwner[owner]...)
}

// ActiveIDs lists every active position id in ascending order.
func (b *Book[D]) ActiveIDs() []uint64 {
	out := make([]uint64, 0, len(b.positions))
	for id, p := range b.positions {
		if p.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NextID reports the id the next Open will assign.
func (b *Book[D]) NextID() uint64 { return b.nextID }

// TotalCollateral sums collateral over active positions.
func (b *Book[D]) TotalCollateral() (units.Amount[D], error) {
	total := units.Amount[D]{}
	for _, id := range b.ActiveIDs() {
		next, err := total.Add(b.positions[id].Collateral)
		if err != nil {
			return units.Amount[D]{}, err
		}
		total = next
	}
	return total, nil
}

// Clone deep copies the book.
func (b *Book[D]) Clone() *Book[D] {
	out := &Book[D]{
		nextID:    b.nextID,
		positions: make(map[uint64]*Position[D], len(b.positions)),
		byOwner:   make(map[crypto.Address][]uint64, len(b.byOwner)),
	}
	for id, p := range b.positions {
		copied := *p
		out.positions[id] = &copied
	}
	for owner, ids := range b.byOwner {
		out.byOwner[owner] = append([]uint64(nil), ids...)
	}
	return out
}

// Snapshot is the RLP friendly form of a book.
type Snapshot[D units.Domain] struct {
	NextID    uint64
	Positions []Position[D]
}

// Export flattens the book in id order.
func (b *Book[D]) Export() Snapshot[D] {
	snap := Snapshot[D]{NextID: b.nextID}
	ids := make([]uint64, 0, len(b.positions))
	for id := range b.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.Positions = append(snap.Positions, *b.positions[id])
	}
	return snap
}

// ImportBook rebuilds a book from a snapshot.
func ImportBook[D units.Domain](snap Snapshot[D]) *Book[D] {
	b := NewBook[D]()
	if snap.NextID > b.nextID {
		b.nextID = snap.NextID
	}
	for i := range snap.Positions {
		p := snap.Positions[i]
		b.positions[p.ID] = &p
		b.byOwner[p.Owner] = append(b.byOwner[p.Owner], p.ID)
		if p.ID >= b.nextID {
			b.nextID = p.ID + 1
		}
	}
	return b
}

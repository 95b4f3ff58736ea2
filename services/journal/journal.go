// Package journal persists committed ledger events in an append-only table
// whose rows are chained with blake3 so tampering is detectable.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"btcfi/core/types"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

var (
	ErrChainBroken       = errors.New("journal: hash chain broken")
	ErrUnsupportedDriver = errors.New("journal: unsupported driver")
)

// GenesisHash precedes the first record.
var GenesisHash = strings.Repeat("0", 64)

// Open connects to a journal database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// Journal appends events and serves them by sequence number.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger

	mu   sync.Mutex
	seq  uint64
	head string
}

// New migrates the schema and loads the chain tip.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log, head: GenesisHash}
	var last Record
	err := db.Order("seq DESC").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load tip: %w", err)
	default:
		j.seq = last.Seq
		j.head = last.Hash
	}
	return j, nil
}

// Head returns the last sequence number and hash.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// Publish implements events.Sink.
func (j *Journal) Publish(batch []*types.Event) error {
	return j.Append(context.Background(), batch)
}

// Append writes batch in one database transaction.
func (j *Journal) Append(ctx context.Context, batch []*types.Event) error {
	if len(batch) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, head := j.seq, j.head
	records := make([]Record, 0, len(batch))
	for _, evt := range batch {
		if evt == nil {
			continue
		}
		seq++
		attrs, err := encodeAttributes(evt.Attributes)
		if err != nil {
			return err
		}
		rec := Record{
			Seq:        seq,
			Type:       evt.Type,
			Height:     evt.Height,
			Time:       evt.Time,
			Attributes: attrs,
			PrevHash:   head,
		}
		rec.Hash = chainHash(rec)
		head = rec.Hash
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	j.seq, j.head = seq, head
	return nil
}

// Since returns up to limit entries with Seq > after, oldest first.
func (j *Journal) Since(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	var rows []Record
	err := j.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, fmt.Errorf("journal: decode seq %d: %w", r.Seq, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Verify walks the whole chain and returns the number of records checked.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	prev := GenesisHash
	var (
		checked uint64
		want    uint64 = 1
	)
	var rows []Record
	result := j.db.WithContext(ctx).Order("seq ASC").FindInBatches(&rows, 500, func(tx *gorm.DB, _ int) error {
		for _, r := range rows {
			if r.Seq != want {
				return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, want, r.Seq)
			}
			if r.PrevHash != prev || chainHash(r) != r.Hash {
				return fmt.Errorf("%w: at seq %d", ErrChainBroken, r.Seq)
			}
			prev = r.Hash
			want++
			checked++
		}
		return nil
	})
	if result.Error != nil {
		return checked, result.Error
	}
	j.logger.Debug("journal verified", slog.Uint64("records", checked))
	return checked, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	// encoding/json sorts map keys, which keeps the hash input canonical.
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func chainHash(r Record) string {
	h := blake3.New(32, nil)
	var buf [8]byte
	h.Write([]byte(r.PrevHash))
	binary.BigEndian.PutUint64(buf[:], r.Seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], r.Height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], r.Time)
	h.Write(buf[:])
	h.Write([]byte(r.Type))
	h.Write([]byte{0})
	h.Write([]byte(r.Attributes))
	return hex.EncodeToString(h.Sum(nil))
}

package journal

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"btcfi/core/types"
)

// Record is one committed event in the hash-chained journal.
type Record struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"size:64;index"`
	Height     uint64 `gorm:"index"`
	Time       uint64
	Attributes string `gorm:"type:text"`
	PrevHash   string `gorm:"size:64"`
	Hash       string `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// TableName pins the table so sqlite and postgres deployments agree.
func (Record) TableName() string { return "journal_records" }

// AutoMigrate performs the schema migration for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// Entry is the API form of a Record.
type Entry struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Height     uint64            `json:"height"`
	Time       uint64            `json:"time"`
	Attributes map[string]string `json:"attributes"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
}

func (r Record) entry() (Entry, error) {
	attrs := map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return Entry{}, err
		}
	}
	return Entry{
		Seq:        r.Seq,
		Type:       r.Type,
		Height:     r.Height,
		Time:       r.Time,
		Attributes: attrs,
		PrevHash:   r.PrevHash,
		Hash:       r.Hash,
	}, nil
}

// Event converts the entry back to the ledger event form.
func (e Entry) Event() *types.Event {
	return &types.Event{Type: e.Type, Height: e.Height, Time: e.Time, Attributes: e.Attributes}
}

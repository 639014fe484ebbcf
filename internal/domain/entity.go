package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickRecord is the persisted form of a Tick
type TickRecord struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Key          string          `gorm:"column:instrument_key;index:idx_tick_key_ts,priority:1;not null" json:"key"`
	LastPrice    decimal.Decimal `gorm:"type:text" json:"ltp"`
	LastQty      int64           `json:"ltq"`
	Volume       int64           `json:"volume"`
	BidPrice     decimal.Decimal `gorm:"type:text" json:"bid"`
	AskPrice     decimal.Decimal `gorm:"type:text" json:"ask"`
	OpenInterest float64         `json:"oi"`
	ImpliedVol   float64         `json:"iv"`
	Delta        float64         `json:"delta"`
	Theta        float64         `json:"theta"`
	Gamma        float64         `json:"gamma"`
	Vega         float64         `json:"vega"`
	ExchangeTime time.Time       `gorm:"index:idx_tick_key_ts,priority:2" json:"exchange_ts"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// NewTickRecord flattens a Tick for storage
func NewTickRecord(t Tick) *TickRecord {
	return &TickRecord{
		Key:          string(t.Key),
		LastPrice:    t.LastPrice,
		LastQty:      t.LastQty,
		Volume:       t.Volume,
		BidPrice:     t.Bid.Price,
		AskPrice:     t.Ask.Price,
		OpenInterest: t.OpenInterest,
		ImpliedVol:   t.ImpliedVol,
		Delta:        t.Greeks.Delta,
		Theta:        t.Greeks.Theta,
		Gamma:        t.Greeks.Gamma,
		Vega:         t.Greeks.Vega,
		ExchangeTime: t.ExchangeTime,
		ReceivedAt:   t.ReceivedAt,
	}
}

// SubscribedInstrument is one row of the instrument universe table
type SubscribedInstrument struct {
	Key       string    `gorm:"column:instrument_key;primaryKey" json:"key"`
	Label     string    `json:"label"`                  // Readable name, e.g. "NIFTY 24500 CE"
	IsActive  bool      `json:"is_active" gorm:"index"` // Inactive rows are not subscribed
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

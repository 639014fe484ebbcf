package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKey identifies one tradable contract, e.g. "NSE_FO|60965".
// The part before the pipe is the exchange segment.
type InstrumentKey string

// Segment returns the exchange segment prefix of the key ("NSE_FO").
func (k InstrumentKey) Segment() string {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return string(k[:i])
		}
	}
	return ""
}

// Quote is one side of the top of book.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	Qty   int64           `json:"qty"`
}

// Greeks holds option sensitivities reported by the feed.
type Greeks struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OHLC is a single candle summary (the feed sends the "1d" interval).
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Tick is one decoded market event for a single instrument.
// A Tick is a value: it is never mutated after decode.
type Tick struct {
	Key       InstrumentKey   `json:"key"`
	LastPrice decimal.Decimal `json:"ltp"`
	LastQty   int64           `json:"ltq"`
	PrevClose decimal.Decimal `json:"cp"`
	Volume    int64           `json:"volume"`
	Bid       Quote           `json:"bid"`
	Ask       Quote           `json:"ask"`

	// Derived fields, zero when the subscription mode does not carry them
	AvgTradedPrice decimal.Decimal `json:"atp"`
	OpenInterest   float64         `json:"oi"`
	ImpliedVol     float64         `json:"iv"`
	Greeks         Greeks          `json:"greeks"`
	HasGreeks      bool            `json:"has_greeks"`
	Day            OHLC            `json:"day"`
	HasDay         bool            `json:"has_day"`

	ExchangeTime time.Time `json:"exchange_ts"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Spread returns ask - bid, or zero when either side is missing.
func (t Tick) Spread() decimal.Decimal {
	if t.Bid.Price.IsZero() || t.Ask.Price.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Price.Sub(t.Bid.Price)
}

// MarketInfo is the out-of-band segment status the feed sends on connect and
// whenever a segment changes phase. It is never handed to tick consumers.
type MarketInfo struct {
	Segments map[string]string `json:"segments"`
	At       time.Time         `json:"at"`
}

// IsOpen reports whether the given segment is in normal trading.
func (m MarketInfo) IsOpen(segment string) bool {
	return m.Segments[segment] == "NORMAL_OPEN"
}

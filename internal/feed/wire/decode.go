package wire

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"market_feed/internal/domain"

	"github.com/shopspring/decimal"
)

// Frame is one decoded server message. A frame may carry ticks for many
// instruments and, independently, segment status.
type Frame struct {
	Type       FeedType
	Ticks      []domain.Tick
	MarketInfo *domain.MarketInfo
	ServerTime time.Time
	// Skipped counts feed entries dropped for carrying no last price.
	Skipped int
}

var errEmptyFrame = errors.New("empty frame")

// DecodeFrame decodes a binary FeedResponse. Ticks are returned sorted by
// instrument key so that output is deterministic for a given frame.
// Any failure is returned as *domain.DecodeError and yields no ticks.
func DecodeFrame(b []byte, receivedAt time.Time) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, &domain.DecodeError{Reason: "feed response", Size: 0, Err: errEmptyFrame}
	}

	var (
		frame    Frame
		feeds    = make(map[domain.InstrumentKey]domain.Tick)
		segments map[string]string
	)
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			frame.Type = FeedType(f.int64())
		case 2:
			m, ok := f.message()
			if !ok {
				return fmt.Errorf("feeds: wire type %d", f.typ)
			}
			key, tick, err := decodeFeedEntry(m)
			if err != nil {
				return fmt.Errorf("feeds: %w", err)
			}
			if key == "" {
				return errors.New("feeds: empty instrument key")
			}
			// No last traded price (a greeks or depth-only update) is not a
			// tick; it must not overwrite the last known price downstream.
			if tick.LastPrice.IsZero() {
				frame.Skipped++
				return nil
			}
			tick.ReceivedAt = receivedAt
			feeds[key] = tick
		case 3:
			if ms := f.int64(); ms > 0 {
				frame.ServerTime = time.UnixMilli(ms)
			}
		case 4:
			m, ok := f.message()
			if !ok {
				return fmt.Errorf("market info: wire type %d", f.typ)
			}
			s, err := decodeMarketInfo(m)
			if err != nil {
				return fmt.Errorf("market info: %w", err)
			}
			segments = s
		}
		return nil
	})
	if err != nil {
		return Frame{}, &domain.DecodeError{Reason: "feed response", Size: len(b), Err: err}
	}

	if segments != nil {
		at := frame.ServerTime
		if at.IsZero() {
			at = receivedAt
		}
		frame.MarketInfo = &domain.MarketInfo{Segments: segments, At: at}
	}
	if len(feeds) > 0 {
		frame.Ticks = make([]domain.Tick, 0, len(feeds))
		for _, t := range feeds {
			frame.Ticks = append(frame.Ticks, t)
		}
		sort.Slice(frame.Ticks, func(i, j int) bool {
			return frame.Ticks[i].Key < frame.Ticks[j].Key
		})
	}
	return frame, nil
}

// decodeFeedEntry decodes one map<string, Feed> entry.
func decodeFeedEntry(b []byte) (domain.InstrumentKey, domain.Tick, error) {
	var (
		key  domain.InstrumentKey
		tick domain.Tick
	)
	err := eachField(b, func(f field) error {
		m, ok := f.message()
		switch {
		case f.num == 1 && ok:
			key = domain.InstrumentKey(m)
		case f.num == 2 && ok:
			return decodeFeed(m, &tick)
		}
		return nil
	})
	tick.Key = key
	return key, tick, err
}

// decodeFeed fills t from a Feed oneof.
func decodeFeed(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		m, ok := f.message()
		if !ok {
			return nil
		}
		switch f.num {
		case 1:
			return decodeLTPC(m, t)
		case 2:
			return decodeFullFeed(m, t)
		case 3:
			return decodeFirstLevelWithGreeks(m, t)
		}
		return nil
	})
}

func decodeLTPC(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			t.LastPrice = decimal.NewFromFloat(f.double())
		case 2:
			if ms := f.int64(); ms > 0 {
				t.ExchangeTime = time.UnixMilli(ms)
			}
		case 3:
			t.LastQty = f.int64()
		case 4:
			t.PrevClose = decimal.NewFromFloat(f.double())
		}
		return nil
	})
}

func decodeFullFeed(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		m, ok := f.message()
		if !ok {
			return nil
		}
		switch f.num {
		case 1:
			return decodeMarketFull(m, t)
		case 2:
			return decodeIndexFull(m, t)
		}
		return nil
	})
}

func decodeMarketFull(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			if m, ok := f.message(); ok {
				return decodeLTPC(m, t)
			}
		case 2:
			if m, ok := f.message(); ok {
				return decodeMarketLevel(m, t)
			}
		case 3:
			if m, ok := f.message(); ok {
				t.HasGreeks = true
				return decodeGreeks(m, &t.Greeks)
			}
		case 4:
			if m, ok := f.message(); ok {
				return decodeMarketOHLC(m, t)
			}
		case 5:
			t.AvgTradedPrice = decimal.NewFromFloat(f.double())
		case 6:
			t.Volume = f.int64()
		case 7:
			t.OpenInterest = f.double()
		case 8:
			t.ImpliedVol = f.double()
		}
		return nil
	})
}

func decodeIndexFull(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		m, ok := f.message()
		if !ok {
			return nil
		}
		switch f.num {
		case 1:
			return decodeLTPC(m, t)
		case 2:
			return decodeMarketOHLC(m, t)
		}
		return nil
	})
}

func decodeFirstLevelWithGreeks(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			if m, ok := f.message(); ok {
				return decodeLTPC(m, t)
			}
		case 2:
			if m, ok := f.message(); ok {
				return decodeQuote(m, t)
			}
		case 3:
			if m, ok := f.message(); ok {
				t.HasGreeks = true
				return decodeGreeks(m, &t.Greeks)
			}
		case 4:
			t.Volume = f.int64()
		case 5:
			t.OpenInterest = f.double()
		case 6:
			t.ImpliedVol = f.double()
		}
		return nil
	})
}

// decodeMarketLevel keeps only the first depth level as best bid/ask.
func decodeMarketLevel(b []byte, t *domain.Tick) error {
	seen := false
	return eachField(b, func(f field) error {
		m, ok := f.message()
		if f.num != 1 || !ok || seen {
			return nil
		}
		seen = true
		return decodeQuote(m, t)
	})
}

func decodeQuote(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			t.Bid.Qty = f.int64()
		case 2:
			t.Bid.Price = decimal.NewFromFloat(f.double())
		case 3:
			t.Ask.Qty = f.int64()
		case 4:
			t.Ask.Price = decimal.NewFromFloat(f.double())
		}
		return nil
	})
}

func decodeGreeks(b []byte, g *domain.Greeks) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			g.Delta = f.double()
		case 2:
			g.Theta = f.double()
		case 3:
			g.Gamma = f.double()
		case 4:
			g.Vega = f.double()
		case 5:
			g.Rho = f.double()
		}
		return nil
	})
}

// decodeMarketOHLC picks the daily candle out of the repeated OHLC list.
func decodeMarketOHLC(b []byte, t *domain.Tick) error {
	return eachField(b, func(f field) error {
		m, ok := f.message()
		if f.num != 1 || !ok {
			return nil
		}
		var (
			interval string
			c        domain.OHLC
		)
		err := eachField(m, func(f field) error {
			switch f.num {
			case 1:
				if s, ok := f.message(); ok {
					interval = string(s)
				}
			case 2:
				c.Open = decimal.NewFromFloat(f.double())
			case 3:
				c.High = decimal.NewFromFloat(f.double())
			case 4:
				c.Low = decimal.NewFromFloat(f.double())
			case 5:
				c.Close = decimal.NewFromFloat(f.double())
			}
			return nil
		})
		if err != nil {
			return err
		}
		if interval == "1d" {
			t.Day = c
			t.HasDay = true
		}
		return nil
	})
}

func decodeMarketInfo(b []byte) (map[string]string, error) {
	segments := make(map[string]string)
	err := eachField(b, func(f field) error {
		m, ok := f.message()
		if f.num != 1 || !ok {
			return nil
		}
		var (
			seg    string
			status int64
		)
		err := eachField(m, func(f field) error {
			switch f.num {
			case 1:
				if s, ok := f.message(); ok {
					seg = string(s)
				}
			case 2:
				status = f.int64()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if seg != "" {
			segments[seg] = MarketStatusName(int32(status))
		}
		return nil
	})
	return segments, err
}

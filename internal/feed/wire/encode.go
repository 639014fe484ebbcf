package wire

import (
	"math"
	"sort"
	"time"

	"market_feed/internal/domain"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// FrameBuilder produces FeedResponse frames in the server's encoding.
// The feed simulator and the tests use it.
type FrameBuilder struct {
	typ      FeedType
	feeds    []byte
	info     []byte
	serverTs time.Time
}

// NewFrameBuilder starts a frame of the given type.
func NewFrameBuilder(typ FeedType) *FrameBuilder {
	return &FrameBuilder{typ: typ}
}

// LTPC adds t in ltpc shape (price, time, qty, close only).
func (b *FrameBuilder) LTPC(t domain.Tick) *FrameBuilder {
	feed := appendMessage(nil, 1, appendLTPC(nil, t))
	b.feeds = appendFeedEntry(b.feeds, t.Key, feed)
	return b
}

// Full adds t as a full market feed.
func (b *FrameBuilder) Full(t domain.Tick) *FrameBuilder {
	var mff []byte
	mff = appendMessage(mff, 1, appendLTPC(nil, t))
	mff = appendMessage(mff, 2, appendMessage(nil, 1, appendQuote(nil, t)))
	if t.HasGreeks {
		mff = appendMessage(mff, 3, appendGreeks(nil, t.Greeks))
	}
	if t.HasDay {
		mff = appendMessage(mff, 4, appendMessage(nil, 1, appendDayOHLC(nil, t)))
	}
	mff = appendDouble(mff, 5, dec(t.AvgTradedPrice))
	mff = appendInt(mff, 6, t.Volume)
	mff = appendDouble(mff, 7, t.OpenInterest)
	mff = appendDouble(mff, 8, t.ImpliedVol)

	full := appendMessage(nil, 1, mff)
	feed := appendMessage(nil, 2, full)
	b.feeds = appendFeedEntry(b.feeds, t.Key, feed)
	return b
}

// Index adds t as an index full feed (no depth, no greeks).
func (b *FrameBuilder) Index(t domain.Tick) *FrameBuilder {
	var iff []byte
	iff = appendMessage(iff, 1, appendLTPC(nil, t))
	if t.HasDay {
		iff = appendMessage(iff, 2, appendMessage(nil, 1, appendDayOHLC(nil, t)))
	}
	feed := appendMessage(nil, 2, appendMessage(nil, 2, iff))
	b.feeds = appendFeedEntry(b.feeds, t.Key, feed)
	return b
}

// OptionGreeks adds t in first-level-with-greeks shape.
func (b *FrameBuilder) OptionGreeks(t domain.Tick) *FrameBuilder {
	var fl []byte
	fl = appendMessage(fl, 1, appendLTPC(nil, t))
	fl = appendMessage(fl, 2, appendQuote(nil, t))
	fl = appendMessage(fl, 3, appendGreeks(nil, t.Greeks))
	fl = appendInt(fl, 4, t.Volume)
	fl = appendDouble(fl, 5, t.OpenInterest)
	fl = appendDouble(fl, 6, t.ImpliedVol)
	feed := appendMessage(nil, 3, fl)
	b.feeds = appendFeedEntry(b.feeds, t.Key, feed)
	return b
}

// MarketInfo sets per-segment status. Unknown status names are skipped.
func (b *FrameBuilder) MarketInfo(segments map[string]string) *FrameBuilder {
	names := make([]string, 0, len(segments))
	for seg := range segments {
		names = append(names, seg)
	}
	sort.Strings(names)

	b.info = b.info[:0]
	for _, seg := range names {
		v := marketStatusValue(segments[seg])
		if v < 0 {
			continue
		}
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, seg)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(v))
		b.info = appendMessage(b.info, 1, entry)
	}
	return b
}

// ServerTime sets currentTs.
func (b *FrameBuilder) ServerTime(ts time.Time) *FrameBuilder {
	b.serverTs = ts
	return b
}

// Bytes returns the encoded frame.
func (b *FrameBuilder) Bytes() []byte {
	var out []byte
	out = appendInt(out, 1, int64(b.typ))
	out = append(out, b.feeds...)
	if !b.serverTs.IsZero() {
		out = appendInt(out, 3, b.serverTs.UnixMilli())
	}
	if b.info != nil {
		out = appendMessage(out, 4, b.info)
	}
	return out
}

func appendFeedEntry(b []byte, key domain.InstrumentKey, feed []byte) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, string(key))
	entry = appendMessage(entry, 2, feed)
	return appendMessage(b, 2, entry)
}

func appendLTPC(b []byte, t domain.Tick) []byte {
	b = appendDouble(b, 1, dec(t.LastPrice))
	if !t.ExchangeTime.IsZero() {
		b = appendInt(b, 2, t.ExchangeTime.UnixMilli())
	}
	b = appendInt(b, 3, t.LastQty)
	return appendDouble(b, 4, dec(t.PrevClose))
}

func appendQuote(b []byte, t domain.Tick) []byte {
	b = appendInt(b, 1, t.Bid.Qty)
	b = appendDouble(b, 2, dec(t.Bid.Price))
	b = appendInt(b, 3, t.Ask.Qty)
	return appendDouble(b, 4, dec(t.Ask.Price))
}

func appendGreeks(b []byte, g domain.Greeks) []byte {
	b = appendDouble(b, 1, g.Delta)
	b = appendDouble(b, 2, g.Theta)
	b = appendDouble(b, 3, g.Gamma)
	b = appendDouble(b, 4, g.Vega)
	return appendDouble(b, 5, g.Rho)
}

func appendDayOHLC(b []byte, t domain.Tick) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "1d")
	b = appendDouble(b, 2, dec(t.Day.Open))
	b = appendDouble(b, 3, dec(t.Day.High))
	b = appendDouble(b, 4, dec(t.Day.Low))
	return appendDouble(b, 5, dec(t.Day.Close))
}

// Zero values are omitted, as proto3 does.
func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func dec(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

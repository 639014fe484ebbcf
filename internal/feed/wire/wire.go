// Package wire implements the feed's two wire formats: protobuf-encoded
// market data frames (server to client) and JSON control commands.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// FeedType is the top-level frame kind.
type FeedType int32

const (
	InitialFeed FeedType = iota
	LiveFeed
	MarketInfoFeed
)

func (t FeedType) String() string {
	switch t {
	case InitialFeed:
		return "initial_feed"
	case LiveFeed:
		return "live_feed"
	case MarketInfoFeed:
		return "market_info"
	default:
		return fmt.Sprintf("feed_type(%d)", int32(t))
	}
}

var marketStatusNames = [...]string{
	"PRE_OPEN_START",
	"PRE_OPEN_END",
	"NORMAL_OPEN",
	"NORMAL_CLOSE",
	"CLOSING_START",
	"CLOSING_END",
}

// MarketStatusName maps the segment status enum to its name.
func MarketStatusName(v int32) string {
	if v >= 0 && int(v) < len(marketStatusNames) {
		return marketStatusNames[v]
	}
	return fmt.Sprintf("UNKNOWN_%d", v)
}

func marketStatusValue(name string) int32 {
	for i, n := range marketStatusNames {
		if n == name {
			return int32(i)
		}
	}
	return -1
}

// field is one decoded protobuf field. Only the member matching typ is set.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

func (f field) double() float64 {
	if f.typ != protowire.Fixed64Type {
		return 0
	}
	return math.Float64frombits(f.fixed)
}

func (f field) int64() int64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	return int64(f.varint)
}

func (f field) message() ([]byte, bool) {
	return f.bytes, f.typ == protowire.BytesType
}

// eachField walks the fields of one message. Unknown fields are passed to
// fn like any other; fn ignores what it does not recognise.
func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

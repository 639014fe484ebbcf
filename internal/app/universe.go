package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"market_feed/internal/domain"
)

// ParseUniverse reads one instrument key per line. Blank lines and lines
// starting with '#' are skipped, duplicates are kept once in first-seen order.
func ParseUniverse(r io.Reader) ([]domain.InstrumentKey, error) {
	var keys []domain.InstrumentKey
	seen := make(map[domain.InstrumentKey]struct{})

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k := domain.InstrumentKey(line)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, sc.Err()
}

// ReadUniverseFile parses a universe file.
func ReadUniverseFile(path string) ([]domain.InstrumentKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	keys, err := ParseUniverse(f)
	if err != nil {
		return nil, fmt.Errorf("read universe %s: %w", path, err)
	}
	return keys, nil
}

// staticUniverse serves keys from config or a file.
type staticUniverse []domain.InstrumentKey

func (s staticUniverse) InstrumentKeys(context.Context) ([]domain.InstrumentKey, error) {
	return s, nil
}

// diffUniverse returns keys present in prev but not in next.
func diffUniverse(prev, next []domain.InstrumentKey) []domain.InstrumentKey {
	keep := make(map[domain.InstrumentKey]struct{}, len(next))
	for _, k := range next {
		keep[k] = struct{}{}
	}
	var removed []domain.InstrumentKey
	for _, k := range prev {
		if _, ok := keep[k]; !ok {
			removed = append(removed, k)
		}
	}
	return removed
}

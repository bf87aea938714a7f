package partition

import (
	"sort"

	"github.com/ksred/klear-core/internal/types"
)

// Config holds the tuning values of the greedy grouping. None of them affect
// the safety of the result.
type Config struct {
	// Pivot is the stable-peg/local-fiat market that always runs alone and first
	Pivot types.PairKey
	// Groups is the number of non-pivot groups markets are spread over
	Groups int
	// QuoteOrder ranks quote currencies; markets are assigned in this order so
	// markets sharing a quote end up next to each other
	QuoteOrder []types.CurrencyID
}

// Group is a set of markets that can be matched in the same wave
type Group struct {
	Markets    []types.Market
	Pivot      bool
	Sequential bool
}

func (g Group) Symbols() []string {
	symbols := make([]string, len(g.Markets))
	for i, m := range g.Markets {
		symbols[i] = m.Symbol
	}
	return symbols
}

type Partitioner struct {
	cfg Config
}

func NewPartitioner(cfg Config) *Partitioner {
	if cfg.Groups < 1 {
		cfg.Groups = 1
	}
	return &Partitioner{cfg: cfg}
}

// Partition splits the active markets into ordered groups. With concurrency
// disabled everything runs as one sequential group. Otherwise the pivot
// market is isolated in group 0 and the rest is spread greedily so that no
// two markets of a group share a currency other than the pivot currencies.
// The result depends only on the set of markets, not on their order.
func (p *Partitioner) Partition(markets []types.Market, concurrent bool) []Group {
	ordered := p.order(markets)
	if len(ordered) == 0 {
		return nil
	}

	if !concurrent {
		return []Group{{Markets: ordered, Sequential: true}}
	}

	var groups []Group
	rest := ordered
	excluded := map[types.CurrencyID]bool{}
	if ordered[0].Key() == p.cfg.Pivot {
		groups = append(groups, Group{Markets: ordered[:1], Pivot: true})
		rest = ordered[1:]
		excluded[p.cfg.Pivot.Base] = true
		excluded[p.cfg.Pivot.Quote] = true
	}

	buckets := make([]*bucket, p.cfg.Groups)
	for i := range buckets {
		buckets[i] = newBucket()
	}

	for _, m := range rest {
		placed := false
		for _, b := range buckets {
			if b.accepts(m, excluded) {
				b.add(m, excluded)
				placed = true
				break
			}
		}
		if !placed {
			b := newBucket()
			b.add(m, excluded)
			buckets = append(buckets, b)
		}
	}

	for _, b := range buckets {
		if len(b.markets) > 0 {
			groups = append(groups, Group{Markets: b.markets})
		}
	}
	return groups
}

// order deduplicates markets by id and sorts them: pivot first, then by quote
// rank, quote id, base id and market id
func (p *Partitioner) order(markets []types.Market) []types.Market {
	seen := make(map[uint]bool, len(markets))
	out := make([]types.Market, 0, len(markets))
	for _, m := range markets {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ap, bp := a.Key() == p.cfg.Pivot, b.Key() == p.cfg.Pivot; ap != bp {
			return ap
		}
		if ra, rb := p.quoteRank(a.QuoteCurrencyID), p.quoteRank(b.QuoteCurrencyID); ra != rb {
			return ra < rb
		}
		if a.QuoteCurrencyID != b.QuoteCurrencyID {
			return a.QuoteCurrencyID < b.QuoteCurrencyID
		}
		if a.BaseCurrencyID != b.BaseCurrencyID {
			return a.BaseCurrencyID < b.BaseCurrencyID
		}
		return a.ID < b.ID
	})
	return out
}

func (p *Partitioner) quoteRank(c types.CurrencyID) int {
	for i, q := range p.cfg.QuoteOrder {
		if q == c {
			return i
		}
	}
	return len(p.cfg.QuoteOrder)
}

type bucket struct {
	markets []types.Market
	used    map[types.CurrencyID]bool
}

func newBucket() *bucket {
	return &bucket{used: map[types.CurrencyID]bool{}}
}

func (b *bucket) accepts(m types.Market, excluded map[types.CurrencyID]bool) bool {
	for _, c := range []types.CurrencyID{m.BaseCurrencyID, m.QuoteCurrencyID} {
		if !excluded[c] && b.used[c] {
			return false
		}
	}
	return true
}

func (b *bucket) add(m types.Market, excluded map[types.CurrencyID]bool) {
	b.markets = append(b.markets, m)
	for _, c := range []types.CurrencyID{m.BaseCurrencyID, m.QuoteCurrencyID} {
		if !excluded[c] {
			b.used[c] = true
		}
	}
}

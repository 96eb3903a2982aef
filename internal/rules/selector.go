package rules

import (
	"math/rand"
	"sync"

	"github.com/offerpath/dispatch/internal/models"
)

// Picker performs weight-proportional random selection. The random source
// is injectable so distribution tests are reproducible. Ties break by first
// appearance: the cumulative walk always resolves an exact boundary draw to
// the earliest candidate.
//
// One Picker is shared by every in-flight request and rand.Rand is not safe
// for concurrent use, so draws are serialized behind a mutex.
type Picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPicker constructs a Picker from a rand source.
func NewPicker(src rand.Source) *Picker {
	return &Picker{rng: rand.New(src)}
}

// pickIndex draws an index with probability weight(i)/total. n must be > 0;
// non-positive weights count as def.
func (p *Picker) pickIndex(n int, def int, weight func(int) int) int {
	if n == 1 {
		return 0
	}
	total := 0
	for i := 0; i < n; i++ {
		w := weight(i)
		if w <= 0 {
			w = def
		}
		total += w
	}
	p.mu.Lock()
	draw := p.rng.Intn(total)
	p.mu.Unlock()
	acc := 0
	for i := 0; i < n; i++ {
		w := weight(i)
		if w <= 0 {
			w = def
		}
		acc += w
		if draw < acc {
			return i
		}
	}
	return n - 1
}

// PickRule selects one matched rule; rule weights default to 100.
func (p *Picker) PickRule(matched []MatchedRule) MatchedRule {
	i := p.pickIndex(len(matched), 100, func(i int) int {
		return matched[i].Rule.EffectiveWeight()
	})
	return matched[i]
}

// PickDest selects one destination inside a rule; weights default to 1 and
// need not sum to 100.
func (p *Picker) PickDest(dests []models.WeightedDest) models.WeightedDest {
	i := p.pickIndex(len(dests), 1, func(i int) int { return dests[i].Weight })
	return dests[i]
}

// PickClickDest selects one click-out destination; weights default to 1.
func (p *Picker) PickClickDest(dests []models.WeightedClickDest) models.WeightedClickDest {
	i := p.pickIndex(len(dests), 1, func(i int) int { return dests[i].Weight })
	return dests[i]
}

// PickDefaultLP collapses a bundle's defaultDestinations array.
func (p *Picker) PickDefaultLP(lps []models.WeightedLP) models.WeightedLP {
	i := p.pickIndex(len(lps), 1, func(i int) int { return lps[i].Weight })
	return lps[i]
}

// PickDefaultOffer collapses a bundle's defaultOffers array.
func (p *Picker) PickDefaultOffer(offers []models.WeightedOffer) models.WeightedOffer {
	i := p.pickIndex(len(offers), 1, func(i int) int { return offers[i].Weight })
	return offers[i]
}

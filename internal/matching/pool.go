package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
)

// proposal is a match inside the arena before it becomes a domain.Match.
type proposal struct {
	match      domain.Match
	src, tgt   int
	corrob     []int
	locked     bool
	released   bool
	flushed    bool
	confidence float64
}

type claim struct {
	proposal int
	locked   bool
}

// Pool is the record arena for one partition. Records are addressed by
// index; each index is claimed by at most one live proposal. A claim at or
// above the lock threshold is permanent; weaker claims may be released when
// a later strategy finds a strictly more confident match. Pool is not safe
// for concurrent use: one partition owns one pool.
type Pool struct {
	records []domain.FinancialRecord
	prior   []domain.FinancialRecord
	index   map[string]int
	byDoc   map[domain.DocumentType][]int
	claims  []*claim
	props   []*proposal
	lock    float64
}

// NewPool indexes records. Within a document type records are ordered by
// normalized account code, then id, which fixes iteration order.
func NewPool(records, prior []domain.FinancialRecord, lockThreshold float64) *Pool {
	p := &Pool{
		records: append([]domain.FinancialRecord(nil), records...),
		prior:   append([]domain.FinancialRecord(nil), prior...),
		index:   make(map[string]int, len(records)),
		byDoc:   make(map[domain.DocumentType][]int),
		claims:  make([]*claim, len(records)),
		lock:    lockThreshold,
	}
	sort.SliceStable(p.records, func(i, j int) bool { return recordLess(p.records[i], p.records[j]) })
	sort.SliceStable(p.prior, func(i, j int) bool { return recordLess(p.prior[i], p.prior[j]) })
	for i, r := range p.records {
		p.index[r.ID] = i
		p.byDoc[r.DocumentType] = append(p.byDoc[r.DocumentType], i)
	}
	return p
}

func recordLess(a, b domain.FinancialRecord) bool {
	if a.DocumentType != b.DocumentType {
		return a.DocumentType < b.DocumentType
	}
	ac, bc := domain.NormalizeAccountCode(a.AccountCode), domain.NormalizeAccountCode(b.AccountCode)
	if ac != bc {
		return ac < bc
	}
	return a.ID < b.ID
}

func (p *Pool) Len() int { return len(p.records) }

func (p *Pool) Record(i int) domain.FinancialRecord { return p.records[i] }

// Lookup returns the arena index of a record id.
func (p *Pool) Lookup(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// Doc returns the indexes of one document type in arena order.
func (p *Pool) Doc(doc domain.DocumentType) []int { return p.byDoc[doc] }

// Locked reports whether i is permanently claimed.
func (p *Pool) Locked(i int) bool {
	return p.claims[i] != nil && p.claims[i].locked
}

// Free reports whether i has no claim at all.
func (p *Pool) Free(i int) bool { return p.claims[i] == nil }

// CanClaim reports whether a proposal with the given confidence may take i.
func (p *Pool) CanClaim(i int, confidence float64) bool {
	c := p.claims[i]
	if c == nil {
		return true
	}
	if c.locked {
		return false
	}
	return confidence > p.props[c.proposal].confidence
}

// Claim records a proposal if both records can be taken, releasing any
// weaker tentative proposals on them. It returns false and changes nothing
// otherwise.
func (p *Pool) Claim(m domain.Match, src, tgt int, corrob ...int) bool {
	if src == tgt || !p.CanClaim(src, m.ConfidenceScore) || !p.CanClaim(tgt, m.ConfidenceScore) {
		return false
	}
	locked := m.ConfidenceScore >= p.lock
	for _, c := range corrob {
		if c == src || c == tgt || !p.CanClaim(c, m.ConfidenceScore) {
			return false
		}
	}

	for _, i := range append([]int{src, tgt}, corrob...) {
		if c := p.claims[i]; c != nil {
			p.release(c.proposal)
		}
	}

	id := len(p.props)
	p.props = append(p.props, &proposal{
		match: m, src: src, tgt: tgt, corrob: corrob,
		locked: locked, confidence: m.ConfidenceScore,
	})
	for _, i := range append([]int{src, tgt}, corrob...) {
		p.claims[i] = &claim{proposal: id, locked: locked}
	}
	return true
}

func (p *Pool) release(id int) {
	pr := p.props[id]
	if pr.locked || pr.released {
		return
	}
	pr.released = true
	for _, i := range append([]int{pr.src, pr.tgt}, pr.corrob...) {
		if c := p.claims[i]; c != nil && c.proposal == id {
			p.claims[i] = nil
		}
	}
}

// FlushLocked returns locked matches not yet handed out, in claim order.
func (p *Pool) FlushLocked() []domain.Match {
	var out []domain.Match
	for _, pr := range p.props {
		if pr.locked && !pr.released && !pr.flushed {
			pr.flushed = true
			out = append(out, pr.match)
		}
	}
	return out
}

// Live returns every unreleased match in claim order.
func (p *Pool) Live() []domain.Match {
	var out []domain.Match
	for _, pr := range p.props {
		if !pr.released {
			out = append(out, pr.match)
		}
	}
	return out
}

// Tentative returns unreleased matches below the lock threshold.
func (p *Pool) Tentative() []domain.Match {
	var out []domain.Match
	for _, pr := range p.props {
		if !pr.released && !pr.locked {
			out = append(out, pr.match)
		}
	}
	return out
}

// Unclaimed returns indexes with no live claim.
func (p *Pool) Unclaimed() []int {
	var out []int
	for i := range p.records {
		if p.claims[i] == nil {
			out = append(out, i)
		}
	}
	return out
}

// Select implements formula.Env: matching current records, unlocked ones
// first, each group in arena order.
func (p *Pool) Select(doc domain.DocumentType, pattern string) []domain.FinancialRecord {
	var open, locked []domain.FinancialRecord
	for _, i := range p.byDoc[doc] {
		r := p.records[i]
		if !domain.MatchPattern(pattern, r.AccountCode) {
			continue
		}
		if p.Locked(i) {
			locked = append(locked, r)
		} else {
			open = append(open, r)
		}
	}
	return append(open, locked...)
}

// Prior implements formula.Env over the prior-period records.
func (p *Pool) Prior(doc domain.DocumentType, pattern string) []domain.FinancialRecord {
	var out []domain.FinancialRecord
	for _, r := range p.prior {
		if r.DocumentType == doc && domain.MatchPattern(pattern, r.AccountCode) {
			out = append(out, r)
		}
	}
	return out
}

// Amount is a convenience for arena amounts.
func (p *Pool) Amount(i int) decimal.Decimal { return p.records[i].Amount }

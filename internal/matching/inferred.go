package matching

import (
	"github.com/propledger/reconciler/internal/confidence"
	"github.com/propledger/reconciler/internal/domain"
)

// canonicalizer resolves source-system account codes through the mapping
// table. A document-specific mapping wins over a document-agnostic one.
type canonicalizer struct {
	byDoc map[domain.DocumentType]map[string]string
	any   map[string]string
}

func newCanonicalizer(mappings []domain.AccountMapping) *canonicalizer {
	c := &canonicalizer{byDoc: map[domain.DocumentType]map[string]string{}, any: map[string]string{}}
	for _, m := range mappings {
		src := domain.NormalizeAccountCode(m.SourceCode)
		canon := domain.NormalizeAccountCode(m.CanonicalCode)
		if m.DocumentType == "" {
			c.any[src] = canon
			continue
		}
		if c.byDoc[m.DocumentType] == nil {
			c.byDoc[m.DocumentType] = map[string]string{}
		}
		c.byDoc[m.DocumentType][src] = canon
	}
	return c
}

// canonical returns the mapped code and whether a mapping applied.
func (c *canonicalizer) canonical(doc domain.DocumentType, code string) (string, bool) {
	n := domain.NormalizeAccountCode(code)
	if v, ok := c.byDoc[doc][n]; ok {
		return v, true
	}
	if v, ok := c.any[n]; ok {
		return v, true
	}
	return n, false
}

// inferred pairs records whose codes differ but map to the same canonical
// chart code.
func (r *run) inferred() {
	if len(r.in.Mappings) == 0 {
		return
	}
	canon := newCanonicalizer(r.in.Mappings)
	cfg := r.e.cfg

	var cands []candidate
	for _, pair := range r.pairs {
		for _, si := range r.pool.Doc(pair.Source) {
			if r.pool.Locked(si) {
				continue
			}
			src := r.pool.Record(si)
			sc, smapped := canon.canonical(src.DocumentType, src.AccountCode)
			for _, ti := range r.pool.Doc(pair.Target) {
				if r.pool.Locked(ti) {
					continue
				}
				tgt := r.pool.Record(ti)
				tc, tmapped := canon.canonical(tgt.DocumentType, tgt.AccountCode)
				if sc != tc || (!smapped && !tmapped) {
					continue
				}
				srcCode := domain.NormalizeAccountCode(src.AccountCode)
				tgtCode := domain.NormalizeAccountCode(tgt.AccountCode)
				if srcCode == tgtCode {
					continue
				}
				diff := src.Amount.Sub(tgt.Amount)
				tol := r.tolerance(src, tgt.Amount)
				conf := r.e.scorer.Score(src.DocumentType, confidence.BaseFor(domain.MatchInferred), diff, tol)
				if conf < cfg.MinAcceptance {
					continue
				}
				cands = append(cands, candidate{
					src: si, tgt: ti,
					score:      conf,
					confidence: conf,
					absDiff:    diff.Abs(),
					srcCode:    srcCode,
					tgtCode:    tgtCode,
					srcID:      src.ID,
					tgtID:      tgt.ID,
					tol:        tol,
				})
			}
		}
	}

	assignGreedy(cands, func(c candidate) bool {
		if !r.pool.CanClaim(c.src, c.confidence) || !r.pool.CanClaim(c.tgt, c.confidence) {
			return false
		}
		src, tgt := r.pool.Record(c.src), r.pool.Record(c.tgt)
		canonCode, _ := canon.canonical(src.DocumentType, src.AccountCode)
		m := r.newMatch(domain.MatchInferred, "canonical="+canonCode, src, tgt, src.Amount, tgt.Amount, c.tol, c.confidence)
		return r.pool.Claim(m, c.src, c.tgt)
	})
}

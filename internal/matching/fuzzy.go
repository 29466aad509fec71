package matching

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/propledger/reconciler/internal/domain"
)

// candidate is one scored source/target pairing.
type candidate struct {
	src, tgt   int
	score      float64
	confidence float64
	similarity float64
	absDiff    decimal.Decimal
	srcCode    string
	tgtCode    string
	srcID      string
	tgtID      string
	tol        decimal.Decimal
}

// sortCandidates orders by score descending, then smaller |diff|, then the
// lexicographically smaller target and source codes, then record ids.
func sortCandidates(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.absDiff.Equal(b.absDiff) {
			return a.absDiff.LessThan(b.absDiff)
		}
		if a.tgtCode != b.tgtCode {
			return a.tgtCode < b.tgtCode
		}
		if a.srcCode != b.srcCode {
			return a.srcCode < b.srcCode
		}
		if a.tgtID != b.tgtID {
			return a.tgtID < b.tgtID
		}
		return a.srcID < b.srcID
	})
}

// assignGreedy walks sorted candidates and accepts each one whose records
// are both still unclaimed by this pass and accepted by take.
func assignGreedy(cands []candidate, take func(candidate) bool) []candidate {
	sortCandidates(cands)
	used := map[int]bool{}
	var out []candidate
	for _, c := range cands {
		if used[c.src] || used[c.tgt] {
			continue
		}
		if !take(c) {
			continue
		}
		used[c.src], used[c.tgt] = true, true
		out = append(out, c)
	}
	return out
}

// fuzzy scores unlocked pairs by account-name similarity and amount
// proximity. Only pairs within tolerance are eligible.
func (r *run) fuzzy() {
	cfg := r.e.cfg
	var cands []candidate
	for _, pair := range r.pairs {
		for _, si := range r.pool.Doc(pair.Source) {
			if r.pool.Locked(si) {
				continue
			}
			src := r.pool.Record(si)
			for _, ti := range r.pool.Doc(pair.Target) {
				if r.pool.Locked(ti) {
					continue
				}
				tgt := r.pool.Record(ti)
				diff := src.Amount.Sub(tgt.Amount)
				tol := r.tolerance(src, tgt.Amount)
				if diff.Abs().GreaterThan(tol) {
					continue
				}
				sim := Similarity(src.AccountName, tgt.AccountName)
				if sim < cfg.MinSimilarity {
					continue
				}
				conf := r.e.scorer.Score(src.DocumentType, 50+sim*50, diff, tol)
				if conf < cfg.MinAcceptance {
					continue
				}
				cands = append(cands, candidate{
					src: si, tgt: ti,
					score:      cfg.NameWeight*sim + cfg.AmountWeight*proximity(diff, tol),
					confidence: conf,
					similarity: sim,
					absDiff:    diff.Abs(),
					srcCode:    domain.NormalizeAccountCode(src.AccountCode),
					tgtCode:    domain.NormalizeAccountCode(tgt.AccountCode),
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
		basis := fmt.Sprintf("name_similarity=%.2f", c.similarity)
		m := r.newMatch(domain.MatchFuzzy, basis, src, tgt, src.Amount, tgt.Amount, c.tol, c.confidence)
		return r.pool.Claim(m, c.src, c.tgt)
	})
}

// proximity is 1 - |diff|/tol, in [0,1].
func proximity(diff, tol decimal.Decimal) float64 {
	if !tol.IsPositive() {
		if diff.IsZero() {
			return 1
		}
		return 0
	}
	p, _ := decimal.NewFromInt(1).Sub(diff.Abs().Div(tol)).Float64()
	if p < 0 {
		return 0
	}
	return p
}

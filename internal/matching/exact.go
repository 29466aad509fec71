package matching

import (
	"sort"

	"github.com/propledger/reconciler/internal/domain"
)

// exact pairs records whose normalized account codes are equal and whose
// amounts differ by at most the exact tolerance.
func (r *run) exact() {
	for _, pair := range r.pairs {
		targets := r.pool.Doc(pair.Target)
		for _, si := range r.pool.Doc(pair.Source) {
			if !r.pool.Free(si) {
				continue
			}
			src := r.pool.Record(si)
			code := domain.NormalizeAccountCode(src.AccountCode)

			var cands []int
			for _, ti := range targets {
				if !r.pool.Free(ti) {
					continue
				}
				tgt := r.pool.Record(ti)
				if domain.NormalizeAccountCode(tgt.AccountCode) != code {
					continue
				}
				if src.Amount.Sub(tgt.Amount).Abs().GreaterThan(r.e.cfg.ExactTolerance) {
					continue
				}
				cands = append(cands, ti)
			}
			if len(cands) == 0 {
				continue
			}
			sort.SliceStable(cands, func(a, b int) bool {
				da := src.Amount.Sub(r.pool.Amount(cands[a])).Abs()
				db := src.Amount.Sub(r.pool.Amount(cands[b])).Abs()
				if !da.Equal(db) {
					return da.LessThan(db)
				}
				return r.pool.Record(cands[a]).ID < r.pool.Record(cands[b]).ID
			})

			ti := cands[0]
			tgt := r.pool.Record(ti)
			tol := r.tolerance(src, tgt.Amount)
			m := r.newMatch(domain.MatchExact, "account_code", src, tgt, src.Amount, tgt.Amount, tol, 100)
			r.pool.Claim(m, si, ti)
		}
	}
}

package orderbook

import (
	"github.com/google/btree"

	"marketstream/models"
)

const ladderDegree = 32

// ladder is one side of a book ordered best price first.
type ladder struct {
	tree *btree.BTreeG[models.PriceLevel]
	bid  bool
}

func newLadder(bid bool) *ladder {
	less := func(a, b models.PriceLevel) bool { return a.Price < b.Price }
	if bid {
		less = func(a, b models.PriceLevel) bool { return a.Price > b.Price }
	}
	return &ladder{tree: btree.NewG[models.PriceLevel](ladderDegree, less), bid: bid}
}

// set upserts the level, or removes it when the size is zero.
func (l *ladder) set(lvl models.PriceLevel) {
	if lvl.Size == 0 {
		l.tree.Delete(models.PriceLevel{Price: lvl.Price})
		return
	}
	l.tree.ReplaceOrInsert(lvl)
}

func (l *ladder) best() (models.PriceLevel, bool) {
	return l.tree.Min()
}

func (l *ladder) len() int {
	return l.tree.Len()
}

// walk visits levels best first until fn returns false.
func (l *ladder) walk(fn func(models.PriceLevel) bool) {
	l.tree.Ascend(fn)
}

func (l *ladder) top(n int) []models.PriceLevel {
	if n <= 0 {
		return nil
	}
	if n > l.len() {
		n = l.len()
	}
	out := make([]models.PriceLevel, 0, n)
	l.walk(func(lvl models.PriceLevel) bool {
		out = append(out, lvl)
		return len(out) < n
	})
	return out
}

func (l *ladder) clone() *ladder {
	return &ladder{tree: l.tree.Clone(), bid: l.bid}
}

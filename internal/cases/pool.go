package cases

import (
	"context"
	"errors"
	"math/rand"

	"streamq/internal/pathexpr"
)

// ErrPoolFull is returned by Put when more items come back than were taken.
var ErrPoolFull = errors.New("case pool is full")

// Item is a case together with the query text derived from it.
type Item struct {
	Case  Case
	Query string
}

// Pool is a circular buffer of work items shared by every virtual user.
// Items taken with Get must be handed back with Put, so the population never
// changes; which user receives a returned item does not matter.
type Pool struct {
	items chan Item
	size  int
}

// NewPool shuffles the cases, derives each query and fills the pool.
func NewPool(cs []Case, exprs []*pathexpr.Expr, rnd *rand.Rand) *Pool {
	shuffled := make([]Case, len(cs))
	copy(shuffled, cs)
	shuffle := rand.Shuffle
	if rnd != nil {
		shuffle = rnd.Shuffle
	}
	shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	p := &Pool{items: make(chan Item, len(shuffled)), size: len(shuffled)}
	for _, c := range shuffled {
		p.items <- Item{Case: c, Query: DeriveQuery(c, exprs)}
	}
	return p
}

// Get blocks until an item is available or ctx is done.
func (p *Pool) Get(ctx context.Context) (Item, error) {
	select {
	case it := <-p.items:
		return it, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Put returns an item to the pool.
func (p *Pool) Put(it Item) error {
	select {
	case p.items <- it:
		return nil
	default:
		return ErrPoolFull
	}
}

// Size is the constant population of the pool.
func (p *Pool) Size() int { return p.size }

// Available is the number of items currently waiting in the pool.
func (p *Pool) Available() int { return len(p.items) }

// DeriveQuery concatenates the value each expression matches in c. An
// expression that matches nothing contributes its own text, which makes a
// data/config mismatch visible in the logs instead of failing the run.
func DeriveQuery(c Case, exprs []*pathexpr.Expr) string {
	var out string
	for _, e := range exprs {
		if s, ok := e.Join(map[string]any(c)); ok {
			out += s
			continue
		}
		out += e.String()
	}
	return out
}

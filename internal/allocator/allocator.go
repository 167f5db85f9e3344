package allocator

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/NevinXuHui/KiroGate/internal/auth"
	gwerrors "github.com/NevinXuHui/KiroGate/internal/errors"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

// Strategy names an identity selection policy.
type Strategy string

const (
	StrategyScoreBased Strategy = "score_based"
	StrategyRoundRobin Strategy = "round_robin"
	StrategySequential Strategy = "sequential"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyScoreBased, StrategyRoundRobin, StrategySequential:
		return true
	}
	return false
}

// Options configures an Allocator.
type Options struct {
	// MinSuccessRate gates the score_based filter and halves the score base
	// of struggling identities.
	MinSuccessRate float64
	// DefaultStrategy applies when a call passes no override.
	DefaultStrategy Strategy
	// SelfUseMode disables the public pool; anonymous callers are refused
	// and owners are restricted to their private identities.
	SelfUseMode bool
}

// Allocator picks an (identity, manager) pair per request. One mutex guards
// both cursor maps; it is held only across cursor reads and updates, never
// across store or upstream I/O. The anonymous pool uses user key 0.
type Allocator struct {
	st   store.Store
	reg  *auth.Registry
	opts Options
	now  func() time.Time

	mu         sync.Mutex
	rrCursors  map[int64]int
	seqCurrent map[int64]int64
}

// New creates an allocator over st and reg.
func New(st store.Store, reg *auth.Registry, opts Options) *Allocator {
	if opts.MinSuccessRate <= 0 {
		opts.MinSuccessRate = 0.5
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyScoreBased
	}
	return &Allocator{
		st:         st,
		reg:        reg,
		opts:       opts,
		now:        time.Now,
		rrCursors:  make(map[int64]int),
		seqCurrent: make(map[int64]int64),
	}
}

// SetNow overrides the clock (testing).
func (a *Allocator) SetNow(now func() time.Time) { a.now = now }

// GetBestToken selects an identity for userID (0 = anonymous) under the
// given strategy ("" = configured default) and returns it with its
// credential manager.
func (a *Allocator) GetBestToken(ctx context.Context, userID int64, strategy Strategy) (*store.Token, *auth.Manager, error) {
	if strategy == "" {
		strategy = a.opts.DefaultStrategy
	}

	candidates, err := a.candidates(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, gwerrors.New(gwerrors.KindNoTokenAvailable, "no active token available")
	}

	var chosen *store.Token
	switch strategy {
	case StrategyRoundRobin:
		chosen = a.pickRoundRobin(userID, candidates)
	case StrategySequential:
		chosen = a.pickSequential(userID, candidates)
	default:
		chosen = a.pickScoreBased(candidates)
	}

	mgr, err := a.reg.GetOrCreate(ctx, chosen.ID)
	if err != nil {
		// The selection is not retried with a different identity within a
		// single call; the caller may retry.
		return nil, nil, gwerrors.Wrap(gwerrors.KindNoTokenAvailable, "selected identity unusable", err)
	}
	return chosen, mgr, nil
}

// candidates builds the candidate set: the user's active private identities
// first, then the public pool, subject to self-use mode.
func (a *Allocator) candidates(ctx context.Context, userID int64) ([]*store.Token, error) {
	if userID != 0 {
		owned, err := a.st.GetUserTokens(ctx, userID)
		if err != nil {
			return nil, err
		}
		var usable []*store.Token
		for _, tok := range owned {
			if tok.Status != store.StatusActive {
				continue
			}
			if a.opts.SelfUseMode && tok.Visibility != store.VisibilityPrivate {
				continue
			}
			usable = append(usable, tok)
		}
		if len(usable) > 0 {
			return usable, nil
		}
	}

	if a.opts.SelfUseMode {
		return nil, gwerrors.New(gwerrors.KindNoTokenAvailable, "self-use mode: public token pool disabled")
	}
	return a.st.GetPublicTokens(ctx)
}

// pickScoreBased drops struggling identities, falling back to the full set
// when the filter empties it, then takes the argmax by score with ties
// broken to the smallest id.
func (a *Allocator) pickScoreBased(candidates []*store.Token) *store.Token {
	filtered := make([]*store.Token, 0, len(candidates))
	for _, tok := range candidates {
		if tok.Total() >= 10 && tok.SuccessRate() < a.opts.MinSuccessRate {
			continue
		}
		filtered = append(filtered, tok)
	}
	if len(filtered) == 0 {
		log.WithField("candidates", len(candidates)).
			Warn("Score filter removed every candidate, selecting from unfiltered set")
		filtered = candidates
	}

	now := a.now()
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
	best := filtered[0]
	bestScore := Score(best, now, a.opts.MinSuccessRate)
	for _, tok := range filtered[1:] {
		if s := Score(tok, now, a.opts.MinSuccessRate); s > bestScore {
			best, bestScore = tok, s
		}
	}
	return best
}

// pickRoundRobin walks the id-sorted candidate set with a per-user cursor.
func (a *Allocator) pickRoundRobin(userID int64, candidates []*store.Token) *store.Token {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	a.mu.Lock()
	defer a.mu.Unlock()
	cursor := a.rrCursors[userID]
	chosen := candidates[cursor%len(candidates)]
	a.rrCursors[userID] = (cursor + 1) % len(candidates)
	return chosen
}

// pickSequential sticks with the current identity until it disappears,
// goes inactive, or degrades (total > 10 and success rate < 0.3), then
// advances to the next id in order.
func (a *Allocator) pickSequential(userID int64, candidates []*store.Token) *store.Token {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	a.mu.Lock()
	defer a.mu.Unlock()

	currentID, ok := a.seqCurrent[userID]
	if ok {
		for _, tok := range candidates {
			if tok.ID != currentID {
				continue
			}
			if tok.Total() <= 10 || tok.SuccessRate() >= 0.3 {
				return tok
			}
			break
		}
	}

	// Advance: the first candidate with id greater than the current one,
	// wrapping to the smallest.
	next := candidates[0]
	for _, tok := range candidates {
		if tok.ID > currentID {
			next = tok
			break
		}
	}
	a.seqCurrent[userID] = next.ID
	log.WithFields(log.Fields{"user": userID, "identity": next.ID}).
		Debug("Sequential strategy advanced")
	return next
}

// RecordUsage feeds a request outcome back into the identity's counters.
func (a *Allocator) RecordUsage(ctx context.Context, id int64, success bool) error {
	return a.st.RecordTokenUsage(ctx, id, success)
}

// ResetSequential forgets the sequential position for userID (0 = the
// anonymous pool position).
func (a *Allocator) ResetSequential(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.seqCurrent, userID)
}

// Evict drops the cached credential manager for a deleted identity and
// clears any sequential position pointing at it.
func (a *Allocator) Evict(id int64) {
	a.reg.Evict(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	for user, current := range a.seqCurrent {
		if current == id {
			delete(a.seqCurrent, user)
		}
	}
}

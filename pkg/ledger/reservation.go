package ledger

import (
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Reservation holds LLM budget debited up front for a call whose true cost
// is only known afterwards. Settle replaces the estimate with the actual
// cost: under-reservation is clamped so the budget never goes negative,
// over-reservation is refunded. Exactly one of Settle or Release must run;
// both are idempotent after the first.
type Reservation struct {
	mu       sync.Mutex
	ledger   *Ledger
	id       string
	estimate float64
	done     bool
}

// ReserveBudget debits estimate dollars from the principal's LLM budget.
// Insufficient budget is budget_exhausted, the permanent kind of broke,
// and nothing is debited.
func (l *Ledger) ReserveBudget(id string, estimate float64) (*Reservation, error) {
	if estimate < 0 {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "estimate must be non-negative")
	}
	a, err := l.account(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bal.LLMBudget < estimate {
		return nil, contracts.Errorf(contracts.CodeBudgetExhausted,
			"llm budget %.6f is less than estimated cost %.6f", a.bal.LLMBudget, estimate).
			WithDetail("estimated_cost", estimate).
			WithDetail("remaining_budget", a.bal.LLMBudget)
	}
	a.bal.LLMBudget = round6(a.bal.LLMBudget - estimate)
	l.notify(id, a.bal)
	return &Reservation{ledger: l, id: id, estimate: estimate}, nil
}

// Settle replaces the reserved estimate with the actual cost and returns
// what was really charged.
func (r *Reservation) Settle(actual float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, nil
	}
	r.done = true
	if actual < 0 {
		actual = 0
	}

	a, err := r.ledger.account(r.id)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	charged := r.estimate
	switch {
	case actual < r.estimate:
		a.bal.LLMBudget = round6(a.bal.LLMBudget + (r.estimate - actual))
		charged = actual
	case actual > r.estimate:
		extra := actual - r.estimate
		if extra > a.bal.LLMBudget {
			// Clamp: charge whatever remains rather than go negative.
			extra = a.bal.LLMBudget
		}
		a.bal.LLMBudget = round6(a.bal.LLMBudget - extra)
		charged = round6(r.estimate + extra)
	}
	r.ledger.notify(r.id, a.bal)
	return charged, nil
}

// Release refunds the full estimate; used when the external call never
// happened.
func (r *Reservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	a, err := r.ledger.account(r.id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bal.LLMBudget = round6(a.bal.LLMBudget + r.estimate)
	r.ledger.notify(r.id, a.bal)
	return nil
}

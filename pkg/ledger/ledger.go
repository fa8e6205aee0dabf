// Package ledger holds every principal's balances: scrip (integer
// currency), the depletable LLM dollar budget, and the disk allocation.
// All mutations are atomic under per-account locks; multi-account
// operations take locks in ascending id order so transfers can never
// deadlock. Balances never go negative: every debit is checked first and
// the reservation path clamps settlement at zero.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Balances is one principal's holdings.
type Balances struct {
	Scrip     int64   `json:"scrip"`
	LLMBudget float64 `json:"llm_dollar_budget"`
	DiskQuota int64   `json:"disk_quota"`
}

func (b Balances) negative() bool {
	return b.Scrip < 0 || b.LLMBudget < 0 || b.DiskQuota < 0
}

// Get returns the balance for a transferable resource.
func (b Balances) Get(r contracts.Resource) float64 {
	switch r {
	case contracts.ResourceScrip:
		return float64(b.Scrip)
	case contracts.ResourceLLMBudget:
		return b.LLMBudget
	case contracts.ResourceDiskQuota:
		return float64(b.DiskQuota)
	}
	return 0
}

type account struct {
	mu  sync.Mutex
	bal Balances
}

// ChangeFunc observes committed balance changes (the Postgres mirror, wake
// hooks). It runs under the account lock so observers see changes in
// commit order; implementations must only enqueue, never do I/O or call
// back into the ledger.
type ChangeFunc func(principalID string, now Balances)

// Ledger is the in-memory authoritative balance store.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	onChange []ChangeFunc
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// OnChange registers an observer for committed balance changes. Register
// everything at boot, before traffic starts; the observer list is not
// guarded after that.
func (l *Ledger) OnChange(fn ChangeFunc) { l.onChange = append(l.onChange, fn) }

func (l *Ledger) notify(id string, bal Balances) {
	for _, fn := range l.onChange {
		fn(id, bal)
	}
}

// CreateAccount opens an account with initial balances. Initial balances
// are the only way total scrip in the world increases.
func (l *Ledger) CreateAccount(id string, initial Balances) error {
	if id == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "principal id is required")
	}
	if initial.negative() {
		return contracts.NewError(contracts.CodeInvalidArgument, "initial balances must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[id]; exists {
		return contracts.Errorf(contracts.CodeIDCollision, "account %q already exists", id)
	}
	l.accounts[id] = &account{bal: initial}
	l.notify(id, initial)
	return nil
}

func (l *Ledger) account(id string) (*account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[id]
	if !ok {
		return nil, contracts.Errorf(contracts.CodeNotFound, "principal %q has no account", id)
	}
	return a, nil
}

// Balance returns a copy of the account's balances.
func (l *Ledger) Balance(id string) (Balances, error) {
	a, err := l.account(id)
	if err != nil {
		return Balances{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bal, nil
}

// Exists reports whether the principal has an account.
func (l *Ledger) Exists(id string) bool {
	_, err := l.account(id)
	return err == nil
}

// Transfer atomically moves amount of resource from one account to the
// other and returns both new balances. Observers never see the debit
// without the credit: both locks are held for the whole step.
func (l *Ledger) Transfer(from, to string, resource contracts.Resource, amount float64) (Balances, Balances, error) {
	if from == to {
		return Balances{}, Balances{}, contracts.NewError(contracts.CodeInvalidArgument, "transfer to self")
	}
	if amount <= 0 {
		return Balances{}, Balances{}, contracts.NewError(contracts.CodeInvalidArgument, "transfer amount must be positive")
	}
	if !contracts.TransferableResource(resource) {
		return Balances{}, Balances{}, contracts.Errorf(contracts.CodeInvalidType, "resource %q is not transferable", resource)
	}
	src, err := l.account(from)
	if err != nil {
		return Balances{}, Balances{}, err
	}
	dst, err := l.account(to)
	if err != nil {
		return Balances{}, Balances{}, err
	}

	// Ascending id order prevents lock cycles between concurrent transfers.
	first, second := src, dst
	if from > to {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	switch resource {
	case contracts.ResourceScrip:
		n := int64(amount)
		if float64(n) != amount {
			return Balances{}, Balances{}, contracts.NewError(contracts.CodeInvalidArgument, "scrip transfers must be whole units")
		}
		if src.bal.Scrip < n {
			return Balances{}, Balances{}, contracts.Errorf(contracts.CodeInsufficientFunds,
				"scrip balance %d is less than %d", src.bal.Scrip, n)
		}
		src.bal.Scrip -= n
		dst.bal.Scrip += n
	case contracts.ResourceLLMBudget:
		if src.bal.LLMBudget < amount {
			return Balances{}, Balances{}, contracts.Errorf(contracts.CodeInsufficientFunds,
				"llm budget %.6f is less than %.6f", src.bal.LLMBudget, amount)
		}
		src.bal.LLMBudget -= amount
		dst.bal.LLMBudget += amount
	case contracts.ResourceDiskQuota:
		n := int64(amount)
		if float64(n) != amount {
			return Balances{}, Balances{}, contracts.NewError(contracts.CodeInvalidArgument, "disk quota transfers must be whole bytes")
		}
		if src.bal.DiskQuota < n {
			return Balances{}, Balances{}, contracts.Errorf(contracts.CodeInsufficientFunds,
				"disk quota %d is less than %d", src.bal.DiskQuota, n)
		}
		src.bal.DiskQuota -= n
		dst.bal.DiskQuota += n
	}

	fromBal, toBal := src.bal, dst.bal
	l.notify(from, fromBal)
	l.notify(to, toBal)
	return fromBal, toBal, nil
}

// DebitScrip removes amount from the account, failing without change when
// funds are insufficient. Used for permission-layer costs.
func (l *Ledger) DebitScrip(id string, amount int64) (Balances, error) {
	if amount < 0 {
		return Balances{}, contracts.NewError(contracts.CodeInvalidArgument, "debit must be non-negative")
	}
	a, err := l.account(id)
	if err != nil {
		return Balances{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bal.Scrip < amount {
		return Balances{}, contracts.Errorf(contracts.CodeInsufficientFunds,
			"scrip balance %d is less than cost %d", a.bal.Scrip, amount)
	}
	a.bal.Scrip -= amount
	bal := a.bal
	l.notify(id, bal)
	return bal, nil
}

// CreditScrip adds amount to the account.
func (l *Ledger) CreditScrip(id string, amount int64) (Balances, error) {
	if amount < 0 {
		return Balances{}, contracts.NewError(contracts.CodeInvalidArgument, "credit must be non-negative")
	}
	a, err := l.account(id)
	if err != nil {
		return Balances{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bal.Scrip += amount
	bal := a.bal
	l.notify(id, bal)
	return bal, nil
}

// ChargeDisk consumes delta bytes of the account's disk allocation
// (negative delta credits shrunken content back). Exhaustion surfaces as
// quota_exceeded: disk is an allocation, not currency.
func (l *Ledger) ChargeDisk(id string, delta int64) (Balances, error) {
	a, err := l.account(id)
	if err != nil {
		return Balances{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if delta > 0 && a.bal.DiskQuota < delta {
		return Balances{}, contracts.Errorf(contracts.CodeQuotaExceeded,
			"disk quota %d is less than %d bytes", a.bal.DiskQuota, delta).
			WithDetail("requested_bytes", delta).
			WithDetail("available_bytes", a.bal.DiskQuota)
	}
	a.bal.DiskQuota -= delta
	if a.bal.DiskQuota < 0 {
		// Crediting back more than was ever charged cannot push the
		// allocation negative; clamp instead of trusting callers.
		a.bal.DiskQuota = 0
	}
	bal := a.bal
	l.notify(id, bal)
	return bal, nil
}

// TotalScrip sums scrip across all accounts. Conservation checks and the
// property suite lean on this.
func (l *Ledger) TotalScrip() int64 {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	var total int64
	for _, id := range ids {
		if bal, err := l.Balance(id); err == nil {
			total += bal.Scrip
		}
	}
	return total
}

// Accounts returns all account ids in ascending order.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Export snapshots every account for checkpointing.
func (l *Ledger) Export() map[string]Balances {
	out := make(map[string]Balances)
	for _, id := range l.Accounts() {
		if bal, err := l.Balance(id); err == nil {
			out[id] = bal
		}
	}
	return out
}

// Restore replaces all accounts from a checkpoint.
func (l *Ledger) Restore(balances map[string]Balances) error {
	for id, bal := range balances {
		if bal.negative() {
			return contracts.Errorf(contracts.CodeInvalidArgument, "account %q restores negative", id)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*account, len(balances))
	for id, bal := range balances {
		l.accounts[id] = &account{bal: bal}
	}
	return nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func (l *Ledger) String() string {
	return fmt.Sprintf("ledger(%d accounts)", len(l.Accounts()))
}

package genesis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/dispatch"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/registry"
	"github.com/emergence-labs/agora/pkg/sandbox"
)

const (
	// Principal is the bare account every genesis write dispatches as.
	Principal = "genesis"
	// AlphaID names the bootstrap agent.
	AlphaID = "alpha_prime"
)

// Metadata keys the write effect consumes rather than stores.
const (
	metaRuntime           = contracts.MetaRuntime
	metaGrantCapabilities = "grant_capabilities"
	metaAccessContract    = "access_contract_id"
)

// diskReserve keeps the genesis account writable no matter how large the
// manifest grows; created artifacts charge their size against it.
const diskReserve = int64(1) << 30

// alphaPrompt seeds the bootstrap agent when the manifest carries no
// alpha_prime entry of its own.
const alphaPrompt = `You are alpha_prime, the first inhabitant of a shared economy.
Observe the world, keep your balances healthy, and build artifacts other
agents will pay to use. The handbook artifact documents the rules.`

// AlphaPrime configures the bootstrap agent spawn.
type AlphaPrime struct {
	Enabled           bool
	StartingScrip     int64
	StartingLLMBudget float64
}

// Deps are the kernel handles the loader writes through.
type Deps struct {
	Dispatch *dispatch.Dispatcher
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Access   *access.Registry
	Natives  *sandbox.NativeRegistry
	Log      eventlog.Log
	Logger   *slog.Logger
}

// Loader materializes a manifest into the world.
type Loader struct {
	deps   Deps
	logger *slog.Logger

	natives    sync.Once
	nativesErr error
}

// NewLoader builds a loader over live kernel handles.
func NewLoader(deps Deps) *Loader {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{deps: deps, logger: logger.With("component", "genesis")}
}

// Run registers the native shims, seeds the genesis account, writes every
// manifest entry that does not already exist, and spawns alpha_prime when
// enabled. Entries already present (a boot after checkpoint restore) are
// skipped and never re-funded, so Run is safe to repeat across restarts.
func (l *Loader) Run(ctx context.Context, m *Manifest, alpha AlphaPrime) error {
	if err := m.Validate(); err != nil {
		return err
	}
	l.natives.Do(func() {
		l.nativesErr = RegisterNatives(l.deps.Natives, l.deps.Access, l.deps.Log)
	})
	if l.nativesErr != nil {
		return l.nativesErr
	}
	if err := l.ensureAccount(m, alpha); err != nil {
		return err
	}

	alphaFromManifest := false
	for i := range m.Artifacts {
		e := &m.Artifacts[i]
		created, err := l.place(ctx, e)
		if err != nil {
			return fmt.Errorf("genesis artifact %q: %w", e.ID, err)
		}
		if created && e.Balances != nil {
			if err := l.fund(ctx, e.ID, e.Balances.balances()); err != nil {
				return fmt.Errorf("fund %q: %w", e.ID, err)
			}
		}
		if e.ID == AlphaID {
			alphaFromManifest = created
		}
	}

	if alpha.Enabled {
		if err := l.spawnAlpha(ctx, alpha, alphaFromManifest); err != nil {
			return fmt.Errorf("spawn %s: %w", AlphaID, err)
		}
	}
	return nil
}

// ensureAccount registers the genesis principal and seeds it with the sum
// of every entry's starting balances, the alpha_prime grant, and a disk
// reserve for the writes themselves. Seeding happens exactly once; every
// later movement is an ordinary transfer.
func (l *Loader) ensureAccount(m *Manifest, alpha AlphaPrime) error {
	if l.deps.Registry.IsPrincipal(Principal) {
		return nil
	}
	if err := l.deps.Registry.RegisterPrincipal(Principal); err != nil {
		return err
	}
	bal := ledger.Balances{
		Scrip:     alpha.StartingScrip,
		LLMBudget: alpha.StartingLLMBudget,
		DiskQuota: diskReserve,
	}
	for i := range m.Artifacts {
		if b := m.Artifacts[i].Balances; b != nil {
			bal.Scrip += b.Scrip
			bal.LLMBudget += b.LLMBudget
			bal.DiskQuota += b.DiskQuota
		}
	}
	return l.deps.Ledger.CreateAccount(Principal, bal)
}

// place writes one entry through the dispatcher. Returns false when the id
// already exists in the world and nothing was written.
func (l *Loader) place(ctx context.Context, e *Entry) (bool, error) {
	if l.deps.Registry.Exists(e.ID) {
		l.logger.Debug("genesis artifact already exists; skipping", "id", e.ID)
		return false, nil
	}
	res := l.deps.Dispatch.Dispatch(ctx, contracts.Intent{
		Kind:         contracts.IntentWrite,
		PrincipalID:  Principal,
		ArtifactID:   e.ID,
		ArtifactKind: contracts.ArtifactKind(e.Kind),
		Content:      e.Content,
		Code:         e.Code,
		Interface:    e.spec(),
		Metadata:     e.intentMetadata(),
	})
	if !res.Success {
		return false, res.Err()
	}
	l.logger.Info("genesis artifact created", "id", e.ID, "kind", e.Kind)
	return true, nil
}

// fund moves an entry's starting balances from the genesis account.
func (l *Loader) fund(ctx context.Context, id string, bal ledger.Balances) error {
	moves := []struct {
		resource contracts.Resource
		amount   float64
	}{
		{contracts.ResourceScrip, float64(bal.Scrip)},
		{contracts.ResourceLLMBudget, bal.LLMBudget},
		{contracts.ResourceDiskQuota, float64(bal.DiskQuota)},
	}
	for _, mv := range moves {
		if mv.amount <= 0 {
			continue
		}
		res := l.deps.Dispatch.Dispatch(ctx, contracts.Intent{
			Kind:        contracts.IntentTransfer,
			PrincipalID: Principal,
			To:          id,
			Resource:    mv.resource,
			Amount:      mv.amount,
		})
		if !res.Success {
			return res.Err()
		}
	}
	return nil
}

// spawnAlpha writes the default bootstrap agent unless the manifest (or a
// restored world) already supplied one, then funds it. Funding applies only
// to agents created during this run: a restored alpha_prime keeps whatever
// it had earned.
func (l *Loader) spawnAlpha(ctx context.Context, alpha AlphaPrime, fromManifest bool) error {
	created := fromManifest
	if !l.deps.Registry.Exists(AlphaID) {
		res := l.deps.Dispatch.Dispatch(ctx, contracts.Intent{
			Kind:         contracts.IntentWrite,
			PrincipalID:  Principal,
			ArtifactID:   AlphaID,
			ArtifactKind: contracts.KindAgent,
			Content:      alphaPrompt,
			Interface: &contracts.InterfaceSpec{
				Description: "bootstrap agent; first mover of the economy",
				DataType:    contracts.DataTypeAgent,
				HasStanding: true,
			},
			Metadata: map[string]string{
				metaGrantCapabilities: string(contracts.CapCallLLM) + "," + string(contracts.CapSpawnAgent),
			},
		})
		if !res.Success {
			return res.Err()
		}
		l.logger.Info("bootstrap agent spawned", "id", AlphaID)
		created = true
	}
	if !created {
		return nil
	}
	return l.fund(ctx, AlphaID, ledger.Balances{
		Scrip:     alpha.StartingScrip,
		LLMBudget: alpha.StartingLLMBudget,
	})
}

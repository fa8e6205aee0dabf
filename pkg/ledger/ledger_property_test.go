//go:build property

package ledger_test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/ledger"
)

type transferOp struct {
	From   int
	To     int
	Amount int64
}

func genTransferOp(accounts int) gopter.Gen {
	return gen.Struct(reflect.TypeOf(transferOp{}), map[string]gopter.Gen{
		"From":   gen.IntRange(0, accounts-1),
		"To":     gen.IntRange(0, accounts-1),
		"Amount": gen.Int64Range(0, 200),
	})
}

func TestLedgerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const accounts = 4
	ids := make([]string, accounts)
	for i := range ids {
		ids[i] = fmt.Sprintf("acct_%d", i)
	}

	build := func() *ledger.Ledger {
		l := ledger.New()
		for i, id := range ids {
			if err := l.CreateAccount(id, ledger.Balances{Scrip: int64(50 * (i + 1))}); err != nil {
				panic(err)
			}
		}
		return l
	}
	initialTotal := build().TotalScrip()

	properties.Property("scrip is conserved across any transfer sequence", prop.ForAll(
		func(ops []transferOp) bool {
			l := build()
			for _, op := range ops {
				_, _, _ = l.Transfer(ids[op.From], ids[op.To], contracts.ResourceScrip, float64(op.Amount))
			}
			return l.TotalScrip() == initialTotal
		},
		gen.SliceOf(genTransferOp(accounts)),
	))

	properties.Property("no balance ever goes negative", prop.ForAll(
		func(ops []transferOp) bool {
			l := build()
			for _, op := range ops {
				_, _, _ = l.Transfer(ids[op.From], ids[op.To], contracts.ResourceScrip, float64(op.Amount))
				for _, id := range ids {
					bal, err := l.Balance(id)
					if err != nil || bal.Scrip < 0 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genTransferOp(accounts)),
	))

	properties.Property("a failed transfer changes neither side", prop.ForAll(
		func(op transferOp) bool {
			l := build()
			before := l.Export()
			// Far above any balance in the fixture, so the transfer always fails.
			_, _, err := l.Transfer(ids[op.From], ids[op.To], contracts.ResourceScrip, float64(op.Amount)+1_000_000)
			if err == nil {
				return false
			}
			after := l.Export()
			for id, bal := range before {
				if after[id] != bal {
					return false
				}
			}
			return true
		},
		genTransferOp(accounts),
	))

	properties.TestingRun(t)
}

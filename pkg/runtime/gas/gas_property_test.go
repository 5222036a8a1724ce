//go:build property
// +build property

package gas_test

import (
	"testing"

	"github.com/JuliaMoon1/gear/pkg/runtime/gas"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any charge sequence, burned <= limit and burned+reduced+left == limit.
func TestCounterNeverOverdraws(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("burned never exceeds limit", prop.ForAll(
		func(limit uint64, charges []uint64, reduces []uint64) bool {
			c := gas.NewCounter(limit)
			for i, amount := range charges {
				c.Charge(amount)
				if i < len(reduces) {
					c.Reduce(reduces[i])
				}
				if c.Burned() > limit {
					return false
				}
				if c.Burned()+c.Reduced()+c.Left() != limit {
					return false
				}
			}
			return true
		},
		gen.UInt64Range(0, 1_000_000),
		gen.SliceOf(gen.UInt64Range(0, 100_000)),
		gen.SliceOf(gen.UInt64Range(0, 100_000)),
	))

	properties.TestingRun(t)
}

package escrow

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mbd888/gigescrow/internal/money"
)

// drain splits a payment into slices of the given cent sizes, alternating
// releases and refunds, and finally takes whatever is left.
func drain(amountCents int64, bps int64, slices []int64) (*Payment, bool) {
	amount := money.FromCents(amountCents)
	rate := money.Rate(bps)
	fee, net := rate.Split(amount)
	p := &Payment{Amount: amount, Fee: fee, FeeBPS: rate, NetAmount: net}

	take := func(gross money.Amount, release bool) bool {
		f := p.SliceFee(gross)
		if f.IsNegative() || f.GreaterThan(gross) {
			return false
		}
		p.FeeRetained = p.FeeRetained.Add(f)
		if release {
			p.ReleasedAmount = p.ReleasedAmount.Add(gross)
			p.ReleasedNet = p.ReleasedNet.Add(gross.Sub(f))
		} else {
			p.RefundedGross = p.RefundedGross.Add(gross)
			p.RefundedAmount = p.RefundedAmount.Add(gross.Sub(f))
		}
		return true
	}

	for i, c := range slices {
		remaining := p.Remaining()
		if !remaining.IsPositive() {
			break
		}
		gross := money.Min(money.FromCents(c), remaining)
		if !take(gross, i%2 == 0) {
			return p, false
		}
	}
	if rest := p.Remaining(); rest.IsPositive() {
		if !take(rest, true) {
			return p, false
		}
	}
	return p, true
}

func TestSliceFee_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	args := []gopter.Gen{
		gen.Int64Range(100, 10_000_000),
		gen.Int64Range(0, 2000),
		gen.SliceOf(gen.Int64Range(1, 500_000)),
	}

	properties.Property("each slice fee stays within its gross", prop.ForAll(
		func(amount, bps int64, slices []int64) bool {
			_, ok := drain(amount, bps, slices)
			return ok
		},
		args...,
	))

	properties.Property("slice fees add up to the payment fee", prop.ForAll(
		func(amount, bps int64, slices []int64) bool {
			p, _ := drain(amount, bps, slices)
			return p.Remaining().IsZero() && p.FeeRetained.Equal(p.Fee)
		},
		args...,
	))

	properties.Property("refunds never exceed amount minus fee", prop.ForAll(
		func(amount, bps int64, slices []int64) bool {
			p, _ := drain(amount, bps, slices)
			return p.RefundedAmount.LessThanOrEqual(p.Amount.Sub(p.Fee)) &&
				p.ReleasedNet.Add(p.RefundedAmount).Add(p.FeeRetained).Equal(p.Amount)
		},
		args...,
	))

	properties.TestingRun(t)
}

package strategy

import (
	"github.com/shopspring/decimal"
)

// Lots is the exchange granularity of one instrument pair.
type Lots struct {
	MinSpotSize      float64
	SpotLotIncrement float64
	ContractValue    float64
}

type SizeOutcome int

const (
	SizeOK SizeOutcome = iota
	// SizeTooSmall means the book or target cannot fill one contract.
	SizeTooSmall
	// SizeDefer means this clip would strand an odd spot lot; wait for a
	// better book.
	SizeDefer
)

// Clip is one paired round. OrderSize is the base amount hedged by
// Contracts; SpotSize is what the spot leg sells.
type Clip struct {
	OrderSize decimal.Decimal
	SpotSize  decimal.Decimal
	Contracts int64
}

// SizeInput carries the book depth and remaining target for one round.
// SpotBalance and SwapBase are only read by SizeClose.
type SizeInput struct {
	Target      float64
	BestBidSize float64
	BestAskSize float64
	SpotBalance float64
	SwapBase    float64
}

// RoundDown floors value to a whole multiple of increment.
func RoundDown(value, increment decimal.Decimal) decimal.Decimal {
	if increment.Sign() <= 0 {
		return value
	}
	return value.Div(increment).Floor().Mul(increment)
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func baseSize(in SizeInput, lots Lots) decimal.Decimal {
	ctVal := dec(lots.ContractValue)
	size := decimal.Min(
		dec(in.Target),
		RoundDown(dec(in.BestBidSize), dec(lots.MinSpotSize)),
		dec(in.BestAskSize).Mul(ctVal),
	)
	if size.Sign() < 0 {
		return decimal.Zero
	}
	return size
}

// SizeReduce sizes a partial-unwind clip aligned to whole contracts.
func SizeReduce(in SizeInput, lots Lots) (Clip, SizeOutcome) {
	ctVal := dec(lots.ContractValue)
	if ctVal.Sign() <= 0 {
		return Clip{}, SizeTooSmall
	}
	order := RoundDown(baseSize(in, lots), ctVal)
	if order.Sign() <= 0 {
		return Clip{}, SizeTooSmall
	}
	clip := Clip{
		OrderSize: order,
		SpotSize:  RoundDown(order, dec(lots.SpotLotIncrement)),
		Contracts: order.Div(ctVal).Round(0).IntPart(),
	}
	if clip.SpotSize.Sign() <= 0 || clip.Contracts <= 0 {
		return Clip{}, SizeTooSmall
	}
	return clip, SizeOK
}

// SizeClose sizes a full-close clip so the final round leaves no spot
// residue below the minimum order size.
func SizeClose(in SizeInput, lots Lots) (Clip, SizeOutcome) {
	ctVal := dec(lots.ContractValue)
	minSize := dec(lots.MinSpotSize)
	lot := dec(lots.SpotLotIncrement)
	if ctVal.Sign() <= 0 || minSize.Sign() <= 0 {
		return Clip{}, SizeTooSmall
	}
	order := baseSize(in, lots)
	if order.Sign() <= 0 {
		return Clip{}, SizeTooSmall
	}
	clip := Clip{
		OrderSize: order,
		SpotSize:  RoundDown(order, lot),
		Contracts: order.Div(ctVal).Round(0).IntPart(),
	}
	spotBal := dec(in.SpotBalance)
	remnant := spotBal.Sub(clip.SpotSize).Div(minSize)
	one := decimal.NewFromInt(1)
	spotLimited := dec(in.Target).LessThan(dec(in.SwapBase))

	switch {
	case remnant.GreaterThanOrEqual(one):
		clip.OrderSize = decimal.NewFromInt(clip.Contracts).Mul(ctVal)
		clip.SpotSize = RoundDown(clip.OrderSize, lot)
	case spotLimited:
		// Spot is the smaller leg: a fractional remnant waits, none sells as is.
		if remnant.Sign() > 0 {
			return Clip{}, SizeDefer
		}
	default:
		// Swap is the smaller leg: sweep the odd spot lot if the bid absorbs it.
		if !spotBal.GreaterThan(dec(in.BestBidSize)) {
			clip.SpotSize = spotBal
		} else {
			return Clip{}, SizeDefer
		}
	}
	if clip.SpotSize.Sign() <= 0 || clip.Contracts <= 0 {
		return Clip{}, SizeTooSmall
	}
	return clip, SizeOK
}

package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
)

var btcLots = Lots{MinSpotSize: 0.00001, SpotLotIncrement: 0.00000001, ContractValue: 0.01}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestSizeReduceFullTarget(t *testing.T) {
	clip, outcome := SizeReduce(SizeInput{Target: 1.0, BestBidSize: 5, BestAskSize: 500}, Lots{MinSpotSize: 0.001, SpotLotIncrement: 0.001, ContractValue: 0.01})
	if outcome != SizeOK {
		t.Fatalf("expected ok, got %v", outcome)
	}
	if !clip.OrderSize.Equal(mustDecimal(t, "1")) || clip.Contracts != 100 || !clip.SpotSize.Equal(mustDecimal(t, "1")) {
		t.Fatalf("unexpected clip: %+v", clip)
	}
}

func TestSizeReduceLimitedByBook(t *testing.T) {
	clip, outcome := SizeReduce(SizeInput{Target: 3, BestBidSize: 0.4567, BestAskSize: 20}, btcLots)
	if outcome != SizeOK {
		t.Fatalf("expected ok, got %v", outcome)
	}
	if !clip.OrderSize.Equal(mustDecimal(t, "0.2")) || clip.Contracts != 20 {
		t.Fatalf("expected ask depth to bind at 0.2 / 20 contracts, got %+v", clip)
	}

	clip, _ = SizeReduce(SizeInput{Target: 3, BestBidSize: 0.4567, BestAskSize: 2000}, btcLots)
	if !clip.OrderSize.Equal(mustDecimal(t, "0.45")) || clip.Contracts != 45 {
		t.Fatalf("expected bid depth to bind at 0.45 / 45 contracts, got %+v", clip)
	}
}

func TestSizeReduceTooSmall(t *testing.T) {
	if _, outcome := SizeReduce(SizeInput{Target: 0.005, BestBidSize: 5, BestAskSize: 500}, btcLots); outcome != SizeTooSmall {
		t.Fatalf("expected too small, got %v", outcome)
	}
	if _, outcome := SizeReduce(SizeInput{Target: 1, BestBidSize: 0, BestAskSize: 500}, btcLots); outcome != SizeTooSmall {
		t.Fatalf("expected too small for empty bid, got %v", outcome)
	}
}

func TestSizeReduceProperties(t *testing.T) {
	lots := []Lots{
		btcLots,
		{MinSpotSize: 0.001, SpotLotIncrement: 0.001, ContractValue: 0.1},
		{MinSpotSize: 1, SpotLotIncrement: 1, ContractValue: 10},
		{MinSpotSize: 0.0001, SpotLotIncrement: 0.0001, ContractValue: 0.001},
	}
	targets := []float64{0.013, 0.5, 1.23456, 7.77, 150}
	depths := []float64{0.0101, 0.3, 2.5, 99.99}
	for _, l := range lots {
		for _, target := range targets {
			for _, depth := range depths {
				clip, outcome := SizeReduce(SizeInput{Target: target, BestBidSize: depth, BestAskSize: depth / l.ContractValue}, l)
				if outcome != SizeOK {
					continue
				}
				lot := decimal.NewFromFloat(l.SpotLotIncrement)
				if !clip.SpotSize.Mod(lot).IsZero() {
					t.Fatalf("spot size %s not a multiple of %s", clip.SpotSize, lot)
				}
				hedged := decimal.NewFromInt(clip.Contracts).Mul(decimal.NewFromFloat(l.ContractValue))
				if hedged.GreaterThan(decimal.NewFromFloat(target)) {
					t.Fatalf("contracts %d exceed target %v with lots %+v", clip.Contracts, target, l)
				}
			}
		}
	}
}

func TestSizeCloseAlignsWhenRemnantAtLeastOneLot(t *testing.T) {
	clip, outcome := SizeClose(SizeInput{Target: 2.0, BestBidSize: 1, BestAskSize: 1000, SpotBalance: 2.1, SwapBase: 2.0}, Lots{MinSpotSize: 0.1, SpotLotIncrement: 0.1, ContractValue: 0.1})
	if outcome != SizeOK {
		t.Fatalf("expected ok, got %v", outcome)
	}
	if clip.Contracts != 10 || !clip.SpotSize.Equal(mustDecimal(t, "1")) {
		t.Fatalf("unexpected clip: %+v", clip)
	}
}

func TestSizeCloseSweepsOddLotWithinBid(t *testing.T) {
	clip, outcome := SizeClose(SizeInput{Target: 2.0, BestBidSize: 3, BestAskSize: 1000, SpotBalance: 2.05, SwapBase: 2.0}, Lots{MinSpotSize: 0.1, SpotLotIncrement: 0.01, ContractValue: 0.1})
	if outcome != SizeOK {
		t.Fatalf("expected ok, got %v", outcome)
	}
	if clip.Contracts != 20 || !clip.SpotSize.Equal(mustDecimal(t, "2.05")) {
		t.Fatalf("expected full spot balance sweep, got %+v", clip)
	}
}

func TestSizeCloseDefersOddLotBeyondBid(t *testing.T) {
	_, outcome := SizeClose(SizeInput{Target: 2.0, BestBidSize: 2.0, BestAskSize: 1000, SpotBalance: 2.05, SwapBase: 2.0}, Lots{MinSpotSize: 0.1, SpotLotIncrement: 0.01, ContractValue: 0.1})
	if outcome != SizeDefer {
		t.Fatalf("expected defer, got %v", outcome)
	}
}

func TestSizeCloseSpotLimitedDefersFractionalRemnant(t *testing.T) {
	_, outcome := SizeClose(SizeInput{Target: 1.9, BestBidSize: 1.85, BestAskSize: 1000, SpotBalance: 1.9, SwapBase: 2.0}, Lots{MinSpotSize: 0.15, SpotLotIncrement: 0.01, ContractValue: 0.1})
	if outcome != SizeDefer {
		t.Fatalf("expected defer, got %v", outcome)
	}
}

func TestSizeCloseSpotLimitedSellsEverything(t *testing.T) {
	clip, outcome := SizeClose(SizeInput{Target: 1.9, BestBidSize: 5, BestAskSize: 1000, SpotBalance: 1.9, SwapBase: 2.0}, Lots{MinSpotSize: 0.1, SpotLotIncrement: 0.01, ContractValue: 0.1})
	if outcome != SizeOK {
		t.Fatalf("expected ok, got %v", outcome)
	}
	if clip.Contracts != 19 || !clip.SpotSize.Equal(mustDecimal(t, "1.9")) {
		t.Fatalf("unexpected clip: %+v", clip)
	}
}

func TestRoundDown(t *testing.T) {
	got := RoundDown(mustDecimal(t, "1.23456"), mustDecimal(t, "0.001"))
	if !got.Equal(mustDecimal(t, "1.234")) {
		t.Fatalf("expected 1.234, got %s", got)
	}
	if got := RoundDown(mustDecimal(t, "5"), decimal.Zero); !got.Equal(mustDecimal(t, "5")) {
		t.Fatalf("expected passthrough for zero increment, got %s", got)
	}
}

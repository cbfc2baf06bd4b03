package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"okx-carry-unwind/internal/okx/rest"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// InstrumentPair is immutable once loaded.
type InstrumentPair struct {
	Coin              string
	SpotSymbol        string
	SwapSymbol        string
	MinSpotSize       float64
	SpotLotIncrement  float64
	SwapContractValue float64
}

func SpotSymbol(coin string) string {
	return strings.ToUpper(coin) + "-USDT"
}

func SwapSymbol(coin string) string {
	return strings.ToUpper(coin) + "-USDT-SWAP"
}

type InstrumentSource interface {
	Instrument(ctx context.Context, instType rest.InstType, instID string) (rest.Instrument, error)
}

// Instruments loads pair metadata and keeps it in a TTL cache; lot sizes
// rarely change but are not frozen forever.
type Instruments struct {
	source InstrumentSource
	cache  *ristretto.Cache
	ttl    time.Duration
	log    *zap.Logger
}

func NewInstruments(source InstrumentSource, ttl time.Duration, log *zap.Logger) (*Instruments, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Instruments{source: source, cache: cache, ttl: ttl, log: log}, nil
}

func (i *Instruments) Pair(ctx context.Context, coin string) (InstrumentPair, error) {
	key := strings.ToUpper(coin)
	if cached, ok := i.cache.Get(key); ok {
		if pair, ok := cached.(InstrumentPair); ok {
			return pair, nil
		}
	}
	spot, err := i.source.Instrument(ctx, rest.InstSpot, SpotSymbol(coin))
	if err != nil {
		return InstrumentPair{}, fmt.Errorf("load spot instrument: %w", err)
	}
	swap, err := i.source.Instrument(ctx, rest.InstSwap, SwapSymbol(coin))
	if err != nil {
		return InstrumentPair{}, fmt.Errorf("load swap instrument: %w", err)
	}
	pair := InstrumentPair{
		Coin:              key,
		SpotSymbol:        spot.InstID,
		SwapSymbol:        swap.InstID,
		MinSpotSize:       spot.MinSz,
		SpotLotIncrement:  spot.LotSz,
		SwapContractValue: swap.CtVal,
	}
	if pair.SwapContractValue <= 0 || pair.SpotLotIncrement <= 0 {
		return InstrumentPair{}, fmt.Errorf("instrument pair %s: invalid lot or contract size", key)
	}
	if i.cache.SetWithTTL(key, pair, 1, i.ttl) {
		i.cache.Wait()
	}
	i.log.Debug("instrument pair loaded",
		zap.String("coin", key),
		zap.Float64("min_spot_size", pair.MinSpotSize),
		zap.Float64("spot_lot", pair.SpotLotIncrement),
		zap.Float64("contract_value", pair.SwapContractValue),
	)
	return pair, nil
}

func (i *Instruments) Close() {
	i.cache.Close()
}

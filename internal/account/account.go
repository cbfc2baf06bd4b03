package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"okx-carry-unwind/internal/okx/rest"

	"go.uber.org/zap"
)

const (
	MarginAdd = "add"

	isolated = "isolated"
)

type API interface {
	AvailableBalance(ctx context.Context, ccy string) (float64, error)
	Positions(ctx context.Context, instID string) ([]rest.Position, error)
	Leverage(ctx context.Context, instID, mgnMode string) (float64, error)
	AdjustMargin(ctx context.Context, instID string, amount float64, direction string) error
}

// SwapPosition is the isolated short leg. Contracts is positive for a short.
type SwapPosition struct {
	InstID    string
	Contracts float64
	Margin    float64
}

type Account struct {
	api API
	log *zap.Logger
}

func New(api API, log *zap.Logger) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{api: api, log: log}
}

func (a *Account) SpotBalance(ctx context.Context, asset string) (float64, error) {
	if a.api == nil {
		return 0, errors.New("account api is required")
	}
	bal, err := a.api.AvailableBalance(ctx, strings.ToUpper(asset))
	if err != nil {
		return 0, fmt.Errorf("spot balance %s: %w", asset, err)
	}
	return bal, nil
}

// SwapPosition returns the isolated-margin position for instID. A missing
// position is reported as zero, not an error.
func (a *Account) SwapPosition(ctx context.Context, instID string) (SwapPosition, error) {
	if a.api == nil {
		return SwapPosition{}, errors.New("account api is required")
	}
	positions, err := a.api.Positions(ctx, instID)
	if err != nil {
		return SwapPosition{}, fmt.Errorf("swap position %s: %w", instID, err)
	}
	for _, pos := range positions {
		if pos.InstID != instID || pos.MgnMode != isolated {
			continue
		}
		return SwapPosition{InstID: instID, Contracts: -pos.Pos, Margin: pos.Margin}, nil
	}
	return SwapPosition{InstID: instID}, nil
}

func (a *Account) Leverage(ctx context.Context, instID string) (float64, error) {
	if a.api == nil {
		return 0, errors.New("account api is required")
	}
	lever, err := a.api.Leverage(ctx, instID, isolated)
	if err != nil {
		return 0, fmt.Errorf("leverage %s: %w", instID, err)
	}
	if lever <= 0 {
		return 0, fmt.Errorf("leverage %s: invalid value %v", instID, lever)
	}
	return lever, nil
}

func (a *Account) AdjustMargin(ctx context.Context, instID string, amount float64, direction string) error {
	if a.api == nil {
		return errors.New("account api is required")
	}
	if amount <= 0 {
		return nil
	}
	if err := a.api.AdjustMargin(ctx, instID, amount, direction); err != nil {
		return fmt.Errorf("adjust margin %s %s: %w", direction, instID, err)
	}
	a.log.Info("margin adjusted",
		zap.String("inst_id", instID),
		zap.String("direction", direction),
		zap.Float64("amount", amount),
	)
	return nil
}

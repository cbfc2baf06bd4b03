package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

func (c *Client) Ticker(ctx context.Context, instID string) (Ticker, error) {
	var rows []rawTicker
	if err := c.get(ctx, "/api/v5/market/ticker", url.Values{"instId": {instID}}, false, &rows); err != nil {
		return Ticker{}, err
	}
	if len(rows) == 0 {
		return Ticker{}, fmt.Errorf("ticker %s: empty response", instID)
	}
	return rows[0].parse()
}

func (c *Client) Instrument(ctx context.Context, instType InstType, instID string) (Instrument, error) {
	query := url.Values{"instType": {string(instType)}, "instId": {instID}}
	var rows []rawInstrument
	if err := c.get(ctx, "/api/v5/public/instruments", query, false, &rows); err != nil {
		return Instrument{}, err
	}
	if len(rows) == 0 {
		return Instrument{}, fmt.Errorf("instrument %s: not found", instID)
	}
	return rows[0].parse()
}

// PlaceOrder returns a rejected ack (OrdID "-1") rather than an error when
// the exchange refuses the order itself.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var rows []OrderAck
	err := c.post(ctx, "/api/v5/trade/order", req, &rows)
	var item *itemError
	if err != nil && !errors.As(err, &item) {
		return OrderAck{}, err
	}
	if len(rows) == 0 {
		if err != nil {
			return OrderAck{}, err
		}
		return OrderAck{}, errors.New("place order: empty response")
	}
	ack := rows[0]
	if ack.OrdID == "" {
		ack.OrdID = "-1"
	}
	if item != nil && IsSystemError(&APIError{Code: ack.SCode, Msg: ack.SMsg}) {
		return ack, &APIError{Code: ack.SCode, Msg: ack.SMsg, Status: item.api.Status}
	}
	if !ack.Accepted() {
		c.log.Debug("order rejected", zap.String("inst_id", req.InstID), zap.String("s_code", ack.SCode), zap.String("s_msg", ack.SMsg))
	}
	return ack, nil
}

func (c *Client) OrderInfo(ctx context.Context, instID, ordID string) (OrderInfo, error) {
	return c.orderInfo(ctx, url.Values{"instId": {instID}, "ordId": {ordID}}, ordID)
}

// OrderInfoByClientID looks an order up by the client order id it was
// submitted with.
func (c *Client) OrderInfoByClientID(ctx context.Context, instID, clOrdID string) (OrderInfo, error) {
	return c.orderInfo(ctx, url.Values{"instId": {instID}, "clOrdId": {clOrdID}}, clOrdID)
}

func (c *Client) orderInfo(ctx context.Context, query url.Values, ref string) (OrderInfo, error) {
	var rows []rawOrderInfo
	if err := c.get(ctx, "/api/v5/trade/order", query, true, &rows); err != nil {
		if IsOrderNotFound(err) {
			return OrderInfo{}, fmt.Errorf("order %s: %w: %v", ref, ErrOrderNotFound, err)
		}
		return OrderInfo{}, err
	}
	if len(rows) == 0 {
		return OrderInfo{}, fmt.Errorf("order %s: %w", ref, ErrOrderNotFound)
	}
	return rows[0].parse()
}

// AvailableBalance returns availEq for ccy, falling back to availBal for
// accounts that do not report equity.
func (c *Client) AvailableBalance(ctx context.Context, ccy string) (float64, error) {
	var rows []rawBalance
	if err := c.get(ctx, "/api/v5/account/balance", url.Values{"ccy": {ccy}}, true, &rows); err != nil {
		return 0, err
	}
	for _, row := range rows {
		for _, detail := range row.Details {
			if detail.Ccy != ccy {
				continue
			}
			value := detail.AvailEq
			if value == "" {
				value = detail.AvailBal
			}
			if value == "" {
				return 0, nil
			}
			return strconv.ParseFloat(value, 64)
		}
	}
	return 0, nil
}

func (c *Client) Positions(ctx context.Context, instID string) ([]Position, error) {
	var rows []rawPosition
	if err := c.get(ctx, "/api/v5/account/positions", url.Values{"instId": {instID}}, true, &rows); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(rows))
	for _, row := range rows {
		pos, err := row.parse()
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *Client) Leverage(ctx context.Context, instID, mgnMode string) (float64, error) {
	var rows []struct {
		Lever string `json:"lever"`
	}
	query := url.Values{"instId": {instID}, "mgnMode": {mgnMode}}
	if err := c.get(ctx, "/api/v5/account/leverage-info", query, true, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 || rows[0].Lever == "" {
		return 0, fmt.Errorf("leverage %s: empty response", instID)
	}
	return strconv.ParseFloat(rows[0].Lever, 64)
}

// AdjustMargin moves isolated margin in ("add") or out ("reduce") of a net
// swap position.
func (c *Client) AdjustMargin(ctx context.Context, instID string, amount float64, direction string) error {
	if direction != "add" && direction != "reduce" {
		return fmt.Errorf("invalid margin direction %q", direction)
	}
	req := marginRequest{InstID: instID, PosSide: "net", Type: direction, Amt: FormatSize(amount)}
	return c.post(ctx, "/api/v5/account/position/margin-balance", req, nil)
}

package rest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type InstType string

const (
	InstSpot InstType = "SPOT"
	InstSwap InstType = "SWAP"
)

type OrdType string

const (
	OrdFOK    OrdType = "fok"
	OrdMarket OrdType = "market"
	OrdLimit  OrdType = "limit"
	OrdIOC    OrdType = "ioc"
)

type Ticker struct {
	InstID string
	Last   float64
	BidPx  float64
	BidSz  float64
	AskPx  float64
	AskSz  float64
	TS     time.Time
}

type rawTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	TS     string `json:"ts"`
}

func (r rawTicker) parse() (Ticker, error) {
	var p parser
	t := Ticker{
		InstID: r.InstID,
		Last:   p.optional(r.Last),
		BidPx:  p.required("bidPx", r.BidPx),
		BidSz:  p.required("bidSz", r.BidSz),
		AskPx:  p.required("askPx", r.AskPx),
		AskSz:  p.required("askSz", r.AskSz),
		TS:     millis(r.TS),
	}
	return t, p.err("ticker " + r.InstID)
}

// ParseTicker validates raw ticker fields from either REST or the public
// stream.
func ParseTicker(instID, last, bidPx, bidSz, askPx, askSz, ts string) (Ticker, error) {
	return rawTicker{InstID: instID, Last: last, BidPx: bidPx, BidSz: bidSz, AskPx: askPx, AskSz: askSz, TS: ts}.parse()
}

type Instrument struct {
	InstType InstType
	InstID   string
	BaseCcy  string
	MinSz    float64
	LotSz    float64
	TickSz   float64
	CtVal    float64
}

type rawInstrument struct {
	InstType string `json:"instType"`
	InstID   string `json:"instId"`
	BaseCcy  string `json:"baseCcy"`
	CtValCcy string `json:"ctValCcy"`
	MinSz    string `json:"minSz"`
	LotSz    string `json:"lotSz"`
	TickSz   string `json:"tickSz"`
	CtVal    string `json:"ctVal"`
}

func (r rawInstrument) parse() (Instrument, error) {
	var p parser
	inst := Instrument{
		InstType: InstType(r.InstType),
		InstID:   r.InstID,
		BaseCcy:  r.BaseCcy,
		MinSz:    p.required("minSz", r.MinSz),
		LotSz:    p.required("lotSz", r.LotSz),
		TickSz:   p.optional(r.TickSz),
	}
	if inst.BaseCcy == "" {
		inst.BaseCcy = r.CtValCcy
	}
	if inst.InstType == InstSwap {
		inst.CtVal = p.required("ctVal", r.CtVal)
	}
	return inst, p.err("instrument " + r.InstID)
}

type OrderRequest struct {
	InstID     string  `json:"instId"`
	TdMode     string  `json:"tdMode"`
	Side       string  `json:"side"`
	OrdType    OrdType `json:"ordType"`
	Size       string  `json:"sz"`
	Price      string  `json:"px,omitempty"`
	ReduceOnly bool    `json:"reduceOnly,omitempty"`
	ClOrdID    string  `json:"clOrdId,omitempty"`
}

// OrderAck carries the exchange order id, or an empty id with SCode/SMsg
// when the order was rejected outright.
type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (a OrderAck) Accepted() bool {
	return a.OrdID != "" && a.OrdID != "-1" && (a.SCode == "" || a.SCode == "0")
}

type OrderState string

const (
	StateLive            OrderState = "live"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StateMMPCanceled     OrderState = "mmp_canceled"
)

type OrderInfo struct {
	InstID    string
	OrdID     string
	State     OrderState
	Size      float64
	AccFillSz float64
	AvgPx     float64
	Fee       float64
}

type rawOrderInfo struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	State     string `json:"state"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`
}

func (r rawOrderInfo) parse() (OrderInfo, error) {
	var p parser
	if strings.TrimSpace(r.State) == "" {
		return OrderInfo{}, fmt.Errorf("order %s: missing state", r.OrdID)
	}
	info := OrderInfo{
		InstID:    r.InstID,
		OrdID:     r.OrdID,
		State:     OrderState(r.State),
		Size:      p.optional(r.Sz),
		AccFillSz: p.optional(r.AccFillSz),
		AvgPx:     p.optional(r.AvgPx),
		Fee:       p.optional(r.Fee),
	}
	return info, p.err("order " + r.OrdID)
}

type rawBalance struct {
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailEq  string `json:"availEq"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

type Position struct {
	InstID  string
	MgnMode string
	Pos     float64
	Margin  float64
}

type rawPosition struct {
	InstID  string `json:"instId"`
	MgnMode string `json:"mgnMode"`
	Pos     string `json:"pos"`
	Margin  string `json:"margin"`
}

func (r rawPosition) parse() (Position, error) {
	var p parser
	pos := Position{
		InstID:  r.InstID,
		MgnMode: r.MgnMode,
		Pos:     p.optional(r.Pos),
		Margin:  p.optional(r.Margin),
	}
	return pos, p.err("position " + r.InstID)
}

type marginRequest struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Type    string `json:"type"`
	Amt     string `json:"amt"`
}

type parser struct {
	errs []error
}

func (p *parser) required(field, value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		p.errs = append(p.errs, fmt.Errorf("missing %s", field))
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q", field, value))
		return 0
	}
	return f
}

func (p *parser) optional(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid number %q", value))
		return 0
	}
	return f
}

func (p *parser) err(what string) error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", what, errors.Join(p.errs...))
}

func millis(value string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func FormatSize(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

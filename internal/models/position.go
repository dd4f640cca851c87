// Package models defines the core value types shared by the scheduler, exit
// engine and persistence sink: option positions, their terminal statuses and
// the per-leg mark-to-market records.
package models

import (
	"fmt"
	"time"
)

// OptionType identifies the option leg side.
type OptionType string

const (
	// Call is a call option (CE in NSE contract files).
	Call OptionType = "CE"
	// Put is a put option (PE in NSE contract files).
	Put OptionType = "PE"
)

// Valid returns true if the OptionType is one of the defined constants.
func (o OptionType) Valid() bool {
	switch o {
	case Call, Put:
		return true
	default:
		return false
	}
}

// PositionStatus is the lifecycle state of a position. A position starts OPEN
// and moves to exactly one terminal status; it never re-enters OPEN.
type PositionStatus string

const (
	// StatusOpen marks a live position still under exit evaluation.
	StatusOpen PositionStatus = "OPEN"
	// StatusStoppedOut marks a position closed by its stop-loss level.
	StatusStoppedOut PositionStatus = "STOPPED_OUT"
	// StatusTargetHit marks a position closed by its profit target.
	StatusTargetHit PositionStatus = "TARGET_HIT"
	// StatusTimeExit marks a position closed by reaching its exit time.
	StatusTimeExit PositionStatus = "TIME_EXIT"
)

// Terminal reports whether the status closes a position.
func (s PositionStatus) Terminal() bool {
	switch s {
	case StatusStoppedOut, StatusTargetHit, StatusTimeExit:
		return true
	default:
		return false
	}
}

// Position is a single short option leg opened by a fired slot. Fields other
// than the exit triple (Status, ExitPrice, ExitedAt) are set at creation and
// never mutated; the exit triple is written exactly once by Close.
type Position struct {
	ID          string         `json:"id"`
	StrategyID  string         `json:"strategy_id"`
	TradeNumber int            `json:"trade_number"`
	Token       int64          `json:"instrument_token"`
	Symbol      string         `json:"symbol"`
	Side        OptionType     `json:"option_side"`
	Strike      float64        `json:"strike"`
	EntryPrice  float64        `json:"entry_price"`
	StopLoss    float64        `json:"stop_loss"`
	Target      float64        `json:"target"`
	ExitTime    TimeOfDay      `json:"exit_time"`
	OpenedAt    time.Time      `json:"opened_at"`
	Status      PositionStatus `json:"status"`
	ExitPrice   float64        `json:"exit_price,omitempty"`
	ExitedAt    TimeOfDay      `json:"exited_at,omitempty"`
}

// ExitCheck evaluates the exit rules against a single price sample and the
// current time of day. Priority is fixed: stop-loss, then target, then
// time-exit; the first condition that holds wins even when several hold at
// once (a misconfigured percentage pair can make stop and target overlap).
// Returns the terminal status and true when an exit triggers.
func (p *Position) ExitCheck(price float64, now TimeOfDay) (PositionStatus, bool) {
	switch {
	case price >= p.StopLoss:
		return StatusStoppedOut, true
	case price <= p.Target:
		return StatusTargetHit, true
	case now >= p.ExitTime:
		return StatusTimeExit, true
	default:
		return StatusOpen, false
	}
}

// Close transitions the position from OPEN to the given terminal status,
// recording the exit price and time. Closing a non-open position or closing
// to a non-terminal status is an error and leaves the position unchanged.
func (p *Position) Close(status PositionStatus, price float64, at TimeOfDay) error {
	if p.Status != StatusOpen {
		return fmt.Errorf("position %s already closed (%s)", p.ID, p.Status)
	}
	if !status.Terminal() {
		return fmt.Errorf("position %s: %s is not a terminal status", p.ID, status)
	}
	p.Status = status
	p.ExitPrice = price
	p.ExitedAt = at
	return nil
}

// PnlRecord is the mark-to-market record for one leg, correlated to its
// Position by (strategy id, trade number, token). LastPrice is refreshed on
// every polling cycle while the leg is open and frozen once it closes.
type PnlRecord struct {
	StrategyID  string     `json:"strategy_id"`
	TradeNumber int        `json:"trade_number"`
	Token       int64      `json:"instrument_token"`
	Side        OptionType `json:"option_side"`
	EntryPrice  float64    `json:"entry_price"`
	LastPrice   float64    `json:"last_price"`
}

// NewPnlRecord derives the initial mark-to-market record for a freshly
// opened position; the last price starts at the entry price.
func NewPnlRecord(p *Position) PnlRecord {
	return PnlRecord{
		StrategyID:  p.StrategyID,
		TradeNumber: p.TradeNumber,
		Token:       p.Token,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		LastPrice:   p.EntryPrice,
	}
}

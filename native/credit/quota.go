package credit

import (
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

const (
	// DaySeconds is the length of the daily spend window.
	DaySeconds = 24 * 60 * 60
	// MonthSeconds is the length of the monthly spend window.
	MonthSeconds = 30 * DaySeconds
)

var (
	ErrSpendingLimitExceeded = nativecommon.Solvency("credit: spending limit exceeded")
	ErrQuotaCounterOverflow  = nativecommon.Arithmetic("credit: spend counter overflow")
)

// Limits caps spend per purchase and per rolling window. A zero limit
// disables that check.
type Limits struct {
	PerTransaction units.USD `toml:"PerTransaction"`
	Daily          units.USD `toml:"Daily"`
	Monthly        units.USD `toml:"Monthly"`
}

// Window captures spend since Start. A window older than its length is
// treated as empty.
type Window struct {
	Start uint64
	Spent units.USD
}

func (w Window) current(now, length uint64) Window {
	if now >= w.Start+length || now < w.Start {
		return Window{Start: now}
	}
	return w
}

// Usage is the pair of windows tracked per card.
type Usage struct {
	Daily   Window
	Monthly Window
}

// Refresh rolls expired windows forward to now.
func (u Usage) Refresh(now uint64) Usage {
	return Usage{Daily: u.Daily.current(now, DaySeconds), Monthly: u.Monthly.current(now, MonthSeconds)}
}

// CheckSpend verifies whether amount fits within the limits as of now. The
// returned Usage reflects the updated counters when the spend is allowed and
// equals prev otherwise.
func CheckSpend(l Limits, now uint64, prev Usage, amount units.USD) (Usage, error) {
	next := prev.Refresh(now)
	if !l.PerTransaction.IsZero() && amount.Gt(l.PerTransaction) {
		return prev, ErrSpendingLimitExceeded
	}

	daily, err := next.Daily.Spent.Add(amount)
	if err != nil {
		return prev, ErrQuotaCounterOverflow
	}
	if !l.Daily.IsZero() && daily.Gt(l.Daily) {
		return prev, ErrSpendingLimitExceeded
	}

	monthly, err := next.Monthly.Spent.Add(amount)
	if err != nil {
		return prev, ErrQuotaCounterOverflow
	}
	if !l.Monthly.IsZero() && monthly.Gt(l.Monthly) {
		return prev, ErrSpendingLimitExceeded
	}

	next.Daily.Spent = daily
	next.Monthly.Spent = monthly
	return next, nil
}

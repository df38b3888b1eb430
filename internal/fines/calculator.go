// Package fines computes overdue fines. Everything here is pure and side-effect free.
package fines

import (
	"time"

	"shelfsync/internal/money"
)

// DefaultPerDay is the fine charged per whole day past the due date.
var DefaultPerDay = money.MustParse("5.00")

const day = 24 * time.Hour

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from one date to another.
// It is negative when to is before from.
func DaysBetween(from, to time.Time) int64 {
	return int64(DateOf(to).Sub(DateOf(from)) / day)
}

// Calculator computes fines at a fixed per-day rate with no cap.
type Calculator struct {
	PerDay money.Amount
}

func NewCalculator(perDay money.Amount) Calculator {
	return Calculator{PerDay: perDay}
}

// Compute returns the fine owed for a loan due on due and settled on today.
func (c Calculator) Compute(due, today time.Time) money.Amount {
	overdue := DaysBetween(due, today)
	if overdue <= 0 {
		return 0
	}
	return c.PerDay.Mul(overdue)
}

// Loan is the minimal view of an open loan needed to accrue fines.
type Loan struct {
	DueDate  time.Time
	Returned bool
}

// Accrued sums the fines currently building up on open, overdue loans.
func (c Calculator) Accrued(loans []Loan, today time.Time) money.Amount {
	var total money.Amount
	for _, l := range loans {
		if l.Returned {
			continue
		}
		total = total.Add(c.Compute(l.DueDate, today))
	}
	return total
}

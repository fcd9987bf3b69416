package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"agentbill_go/models"
)

// GST deflator for amounts quoted exclusive of GST: exclusive amounts are
// divided by 1.10 before the commission rate applies.
var gstDivisor = decimal.NewFromFloat(1.10)

var oneHundred = decimal.NewFromInt(100)

// ErrInvalidPlan marks a plan whose figures cannot produce a commission,
// e.g. a zero or negative total course value. Not retryable.
var ErrInvalidPlan = errors.New("invalid payment plan")

// Result carries a computed monetary figure plus a data-quality flag for
// inputs that had to be clamped. Clamping is surfaced, never fatal.
type Result struct {
	Value   float64
	Clamped bool
}

// CommissionableValue is the course value minus non-commission-bearing fees.
// A negative difference is clamped to zero and flagged.
func CommissionableValue(totalCourseValue, materialsCost, adminFees, otherFees float64) Result {
	v := decimal.NewFromFloat(totalCourseValue).
		Sub(decimal.NewFromFloat(materialsCost)).
		Sub(decimal.NewFromFloat(adminFees)).
		Sub(decimal.NewFromFloat(otherFees))
	if v.IsNegative() {
		return Result{Value: 0, Clamped: true}
	}
	return Result{Value: round2(v)}
}

// ExpectedCommission computes the full commission a plan is worth. GST
// exclusive values are deflated before the rate applies. Rounding happens
// once, at the output.
func ExpectedCommission(plan models.PaymentPlan) (Result, error) {
	if plan.TotalCourseValue <= 0 {
		return Result{}, fmt.Errorf("plan %d: total course value %.2f: %w", plan.ID, plan.TotalCourseValue, ErrInvalidPlan)
	}

	base := decimal.NewFromFloat(plan.TotalCourseValue).
		Sub(decimal.NewFromFloat(plan.MaterialsCost)).
		Sub(decimal.NewFromFloat(plan.AdminFees)).
		Sub(decimal.NewFromFloat(plan.OtherFees))
	clamped := base.IsNegative()
	if clamped {
		base = decimal.Zero
	}
	if !plan.GSTInclusive {
		base = base.Div(gstDivisor)
	}
	rate := decimal.NewFromFloat(plan.CommissionRatePercent).Div(oneHundred)
	return Result{Value: round2(base.Mul(rate)), Clamped: clamped}, nil
}

// EarnedCommission is the expected commission prorated by the paid share of
// the course value. Installments in paid status count their paid amount.
func EarnedCommission(plan models.PaymentPlan, installments []models.Installment) (Result, error) {
	expected, err := ExpectedCommission(plan)
	if err != nil {
		return Result{}, err
	}

	paid := decimal.Zero
	for _, inst := range installments {
		if inst.Status == models.InstallmentStatusPaid {
			paid = paid.Add(decimal.NewFromFloat(inst.PaidAmount))
		}
	}

	ratio := paid.Div(decimal.NewFromFloat(plan.TotalCourseValue))
	return Result{
		Value:   round2(decimal.NewFromFloat(expected.Value).Mul(ratio)),
		Clamped: expected.Clamped,
	}, nil
}

// OutstandingCommission is the expected commission prorated by the value of
// installments still pending or overdue.
func OutstandingCommission(plan models.PaymentPlan, installments []models.Installment) (Result, error) {
	expected, err := ExpectedCommission(plan)
	if err != nil {
		return Result{}, err
	}

	open := decimal.Zero
	for _, inst := range installments {
		switch inst.Status {
		case models.InstallmentStatusPending, models.InstallmentStatusOverdue:
			open = open.Add(decimal.NewFromFloat(inst.Amount))
		}
	}

	ratio := open.Div(decimal.NewFromFloat(plan.TotalCourseValue))
	return Result{
		Value:   round2(decimal.NewFromFloat(expected.Value).Mul(ratio)),
		Clamped: expected.Clamped,
	}, nil
}

// round2 rounds half-up to 2 decimal places. decimal.Round rounds half away
// from zero, which matches half-up for the non-negative amounts handled here.
func round2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

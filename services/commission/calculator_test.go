package commission

import (
	"errors"
	"testing"

	"agentbill_go/models"
)

func TestCommissionableValue(t *testing.T) {
	tests := []struct {
		name       string
		total      float64
		materials  float64
		admin      float64
		other      float64
		expected   float64
		expClamped bool
	}{
		{
			name:      "standard fees",
			total:     10000,
			materials: 500,
			admin:     200,
			other:     100,
			expected:  9200,
		},
		{
			name:     "no fees",
			total:    8000,
			expected: 8000,
		},
		{
			name:       "fees exceed course value",
			total:      1000,
			materials:  800,
			admin:      300,
			expected:   0,
			expClamped: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := CommissionableValue(tc.total, tc.materials, tc.admin, tc.other)
			if got.Value != tc.expected {
				t.Fatalf("expected %.2f, got %.2f", tc.expected, got.Value)
			}
			if got.Clamped != tc.expClamped {
				t.Fatalf("expected clamped=%v, got %v", tc.expClamped, got.Clamped)
			}
		})
	}
}

func TestExpectedCommission(t *testing.T) {
	tests := []struct {
		name     string
		plan     models.PaymentPlan
		expected float64
	}{
		{
			name: "gst inclusive",
			plan: models.PaymentPlan{
				TotalCourseValue:      10000,
				MaterialsCost:         500,
				AdminFees:             200,
				OtherFees:             100,
				CommissionRatePercent: 15,
				GSTInclusive:          true,
			},
			expected: 1380.00,
		},
		{
			name: "gst exclusive deflates by 1.10",
			plan: models.PaymentPlan{
				TotalCourseValue:      10000,
				MaterialsCost:         500,
				AdminFees:             200,
				OtherFees:             100,
				CommissionRatePercent: 15,
				GSTInclusive:          false,
			},
			expected: 1254.55,
		},
		{
			name: "rounding happens once at output",
			plan: models.PaymentPlan{
				TotalCourseValue:      999.99,
				CommissionRatePercent: 12.5,
				GSTInclusive:          true,
			},
			expected: 125.00,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpectedCommission(tc.plan)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Value != tc.expected {
				t.Fatalf("expected %.2f, got %.2f", tc.expected, got.Value)
			}
		})
	}
}

func TestExpectedCommissionInvalidPlan(t *testing.T) {
	_, err := ExpectedCommission(models.PaymentPlan{TotalCourseValue: 0, CommissionRatePercent: 10})
	if !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestExpectedCommissionClampedFees(t *testing.T) {
	got, err := ExpectedCommission(models.PaymentPlan{
		TotalCourseValue:      1000,
		MaterialsCost:         1500,
		CommissionRatePercent: 20,
		GSTInclusive:          true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 0 {
		t.Fatalf("expected 0 commission for clamped plan, got %.2f", got.Value)
	}
	if !got.Clamped {
		t.Fatalf("expected clamped flag")
	}
}

func TestEarnedAndOutstandingSplit(t *testing.T) {
	plan := models.PaymentPlan{
		TotalCourseValue:      10000,
		MaterialsCost:         500,
		AdminFees:             200,
		OtherFees:             100,
		CommissionRatePercent: 15,
		GSTInclusive:          true,
	}
	installments := []models.Installment{
		{InstallmentNumber: 0, Amount: 2000, PaidAmount: 2000, Status: models.InstallmentStatusPaid},
		{InstallmentNumber: 1, Amount: 2000, PaidAmount: 2000, Status: models.InstallmentStatusPaid},
		{InstallmentNumber: 2, Amount: 3000, Status: models.InstallmentStatusPending},
		{InstallmentNumber: 3, Amount: 3000, Status: models.InstallmentStatusOverdue},
	}

	earned, err := EarnedCommission(plan, installments)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if earned.Value != 552.00 {
		t.Fatalf("expected earned 552.00, got %.2f", earned.Value)
	}

	outstanding, err := OutstandingCommission(plan, installments)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outstanding.Value != 828.00 {
		t.Fatalf("expected outstanding 828.00, got %.2f", outstanding.Value)
	}
}

func TestEarnedIgnoresNonPaidStatuses(t *testing.T) {
	plan := models.PaymentPlan{
		TotalCourseValue:      5000,
		CommissionRatePercent: 10,
		GSTInclusive:          true,
	}
	installments := []models.Installment{
		{Amount: 2500, Status: models.InstallmentStatusCancelled, PaidAmount: 2500},
		{Amount: 2500, Status: models.InstallmentStatusDraft},
	}

	earned, err := EarnedCommission(plan, installments)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if earned.Value != 0 {
		t.Fatalf("expected 0 earned, got %.2f", earned.Value)
	}
}

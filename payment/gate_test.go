package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAutoPolicy(t *testing.T) {
	required := decimal.RequireFromString("1035.00")
	cases := []struct {
		amount string
		want   SlipStatus
	}{
		{"1035.00", SlipApproved},
		{"2000", SlipApproved},
		{"1034.99", SlipRejected},
	}
	for _, tc := range cases {
		got := AutoPolicy{}.Review(Slip{Amount: decimal.RequireFromString(tc.amount)}, required)
		if got.Status != tc.want {
			t.Errorf("amount %s: expected %s got %s", tc.amount, tc.want, got.Status)
		}
	}
}

func TestManualPolicy(t *testing.T) {
	required := decimal.NewFromInt(100)
	if got := (ManualPolicy{}).Review(Slip{Amount: decimal.NewFromInt(100)}, required); got.Status != SlipPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got := (ManualPolicy{}).Review(Slip{Amount: decimal.NewFromInt(99)}, required); got.Status != SlipRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
}

func TestPolicyFor(t *testing.T) {
	if _, ok := PolicyFor("manual").(ManualPolicy); !ok {
		t.Fatal("expected manual policy")
	}
	if _, ok := PolicyFor("").(AutoPolicy); !ok {
		t.Fatal("expected auto policy by default")
	}
}

func TestSlipInput_Validate(t *testing.T) {
	valid := SlipInput{
		ImageURL:      "https://cdn.example.com/slips/1.jpg",
		Amount:        decimal.NewFromInt(100),
		PaymentMethod: "bank_transfer",
		TransferDate:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ReferenceNo:   "REF-1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid slip, got %v", err)
	}

	mutations := map[string]func(*SlipInput){
		"no image":    func(in *SlipInput) { in.ImageURL = "" },
		"relative":    func(in *SlipInput) { in.ImageURL = "slips/1.jpg" },
		"zero amount": func(in *SlipInput) { in.Amount = decimal.Zero },
		"no method":   func(in *SlipInput) { in.PaymentMethod = " " },
		"no date":     func(in *SlipInput) { in.TransferDate = time.Time{} },
	}
	for name, mutate := range mutations {
		in := valid
		mutate(&in)
		if err := in.Validate(); !errors.Is(err, ErrInvalidSlip) {
			t.Errorf("%s: expected ErrInvalidSlip, got %v", name, err)
		}
	}
}

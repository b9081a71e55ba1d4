package types

import (
	"testing"
)

func TestFrequencyValidate(t *testing.T) {
	valid := []Frequency{
		{Kind: FreqDaily},
		{Kind: FreqWeekly},
		{Kind: FreqMonthly, DayOfMonth: 1},
		{Kind: FreqMonthly, DayOfMonth: 28},
		{Kind: FreqYearly, Month: 2, Day: 29},
		{Kind: FreqCustom, IntervalSecs: 3600},
	}
	for _, f := range valid {
		if err := f.Validate(); err != nil {
			t.Fatalf("%+v should be valid: %v", f, err)
		}
	}

	invalid := []Frequency{
		{Kind: FreqMonthly, DayOfMonth: 0},
		{Kind: FreqMonthly, DayOfMonth: 29},
		{Kind: FreqYearly, Month: 13, Day: 1},
		{Kind: FreqYearly, Month: 0, Day: 1},
		{Kind: FreqCustom},
		{Kind: "fortnightly"},
	}
	for _, f := range invalid {
		if err := f.Validate(); err == nil {
			t.Fatalf("%+v should be rejected", f)
		}
	}
}

func TestSubscriptionActiveAt(t *testing.T) {
	sub := Subscription{StartAt: 100, EndAt: 200}
	if sub.ActiveAt(99) {
		t.Fatalf("active before start")
	}
	if !sub.ActiveAt(100) {
		t.Fatalf("inactive at start")
	}
	if !sub.ActiveAt(199) {
		t.Fatalf("inactive inside window")
	}
	if sub.ActiveAt(200) {
		t.Fatalf("active at end")
	}

	open := Subscription{StartAt: 100}
	if !open.ActiveAt(1 << 40) {
		t.Fatalf("open-ended subscription must stay active")
	}
}

func TestRotationPolicyDue(t *testing.T) {
	if (RotationPolicy{Kind: RotateNever}).Due(1000) {
		t.Fatalf("never rotates")
	}
	onUse := RotationPolicy{Kind: RotateOnUse}
	if onUse.Due(0) || !onUse.Due(1) {
		t.Fatalf("on_use fires after every use")
	}
	afterN := RotationPolicy{Kind: RotateAfterN, N: 3}
	if afterN.Due(2) || !afterN.Due(3) || !afterN.Due(4) {
		t.Fatalf("after_n fires at and past the threshold")
	}
}

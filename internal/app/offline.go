package app

import (
	"context"
	"time"

	"github.com/callways/trunkline/internal/analysis"
	"github.com/callways/trunkline/internal/billing"
	"github.com/callways/trunkline/internal/calllog"
	"github.com/callways/trunkline/internal/pbx"
)

// Offline mode: when no database is configured the gateway still answers
// calls. These stand-ins admit every caller, drop call records, and report
// charges as duplicates so the analyzer never claims a deduction happened.

var (
	_ pbx.CreditGate        = (*offlineLedger)(nil)
	_ analysis.CreditLedger = (*offlineLedger)(nil)
	_ pbx.CallCreator       = offlineCallLog{}
	_ analysis.CallStore    = offlineCallLog{}
)

// offlineLedger admits every call without deducting credits. Credit amounts
// are still computed with the real rate so call summaries stay meaningful.
type offlineLedger struct {
	calc *billing.Ledger
}

func newOfflineLedger(secondsPerCredit int) *offlineLedger {
	return &offlineLedger{
		calc: billing.NewLedger(nil, billing.WithSecondsPerCredit(secondsPerCredit)),
	}
}

func (l *offlineLedger) EnsureBalance(context.Context, string) error { return nil }

func (l *offlineLedger) Forget(string) {}

func (l *offlineLedger) CallCredits(d time.Duration) float64 {
	return l.calc.CallCredits(d)
}

func (l *offlineLedger) BillCall(_ context.Context, _, _ string, _ time.Duration, _ map[string]any) (billing.Charge, error) {
	return billing.Charge{Duplicate: true}, nil
}

func (l *offlineLedger) UseCredits(_ context.Context, _, _ string, _ float64, _ string, _ map[string]any) (billing.Charge, error) {
	return billing.Charge{Duplicate: true}, nil
}

// offlineCallLog drops records. Finalize reports applied so the analyzer
// completes its pipeline without warning on every call.
type offlineCallLog struct{}

func (offlineCallLog) CreateInitial(context.Context, *calllog.Record) error { return nil }

func (offlineCallLog) Finalize(context.Context, string, calllog.Final) (string, bool, error) {
	return "", true, nil
}

func (offlineCallLog) SetSummaryEmbedding(context.Context, string, []float32) error { return nil }

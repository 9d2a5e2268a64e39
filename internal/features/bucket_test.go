package features

import (
	"testing"

	"github.com/darwinreplay/backtester/internal/schema"
)

func TestBucketTrendMode_WeakADXAlwaysSideways(t *testing.T) {
	if got := BucketTrendMode(200, 100, 10, 15); got != "sideways" {
		t.Fatalf("expected sideways under weak ADX regardless of EMA order, got %s", got)
	}
}

func TestBucketTrendMode_StrongADXFollowsEMAOrder(t *testing.T) {
	if got := BucketTrendMode(200, 100, 30, 15); got != "up" {
		t.Fatalf("expected up, got %s", got)
	}
	if got := BucketTrendMode(100, 200, 30, 15); got != "down" {
		t.Fatalf("expected down, got %s", got)
	}
}

func TestBucketMomentum_StrongRequiresBothSignals(t *testing.T) {
	if got := BucketMomentum(70, 15, 10, 3); got != "strong_up" {
		t.Fatalf("expected strong_up, got %s", got)
	}
	// High RSI alone without a strong histogram is only mild.
	if got := BucketMomentum(70, 1, 10, 3); got != "mild_up" {
		t.Fatalf("expected mild_up, got %s", got)
	}
}

func TestChopScore_InsufficientHistoryReturnsMedium(t *testing.T) {
	score, bucket := ChopScore(100, []float64{1, 2, 3}, 32)
	if bucket != "medium" || score != 0.5 {
		t.Fatalf("expected medium/0.5 default, got %v/%s", score, bucket)
	}
}

func TestChopScore_PureTrendIsLowChop(t *testing.T) {
	hist := make([]float64, 31)
	for i := range hist {
		hist[i] = float64(i)
	}
	score, bucket := ChopScore(31, hist, 32)
	if bucket != "low" {
		t.Fatalf("expected low chop for a monotone trend, got %s (score=%v)", bucket, score)
	}
}

func TestBucketRR_Thresholds(t *testing.T) {
	cases := []struct {
		gain, stop float64
		want       string
	}{
		{1.0, 1.0, "<1.5"},
		{1.6, 1.0, "1.5-2"},
		{2.5, 1.0, "2-3"},
		{4.0, 1.0, ">3"},
	}
	for _, c := range cases {
		if got := BucketRR(c.gain, c.stop); got != c.want {
			t.Fatalf("BucketRR(%v,%v) = %s, want %s", c.gain, c.stop, got, c.want)
		}
	}
}

func TestQualityGrade_ClampsToNineGradeScale(t *testing.T) {
	if got := QualityGrade(0.99); got != schema.QAPlus {
		t.Fatalf("expected A+ near-perfect score, got %s", got)
	}
	if got := QualityGrade(0.10); got != schema.QCMinus {
		t.Fatalf("expected C- for a very low score, got %s", got)
	}
	if mid := QualityGrade(0.5); !mid.Valid() {
		t.Fatal("every QualityGrade output must be a valid SetupQuality")
	}
}

func TestRiskBudget_LargeDrawdownDominatesRiskOnMode(t *testing.T) {
	if b := RiskBudget("risk_on", 600, "normal"); b > 0.15 {
		t.Fatalf("large drawdown must dominate a nominally risk_on mode, got %v", b)
	}
}

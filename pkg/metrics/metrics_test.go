package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEventsProcessed_IncrementsCounter(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordEventsProcessed("public", "accounts", 3)

	got := testutil.ToFloat64(m.EventsProcessed.WithLabelValues("public", "accounts"))
	if got != 3 {
		t.Errorf("got %v, want 3", got)
	}
}

func TestRecordMint_SplitsSuccessAndFailure(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordMint(true, 10*time.Millisecond)
	m.RecordMint(false, 5*time.Millisecond)
	m.RecordMint(true, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.NFTsMinted); got != 2 {
		t.Errorf("got %v minted, want 2", got)
	}
	if got := testutil.ToFloat64(m.NFTFailures); got != 1 {
		t.Errorf("got %v failures, want 1", got)
	}
}

func TestRecordVerify_LabelsByResult(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordVerify("VERIFIED")
	m.RecordVerify("VERIFIED")
	m.RecordVerify("NOT_VERIFIED")

	if got := testutil.ToFloat64(m.VerifyRequests.WithLabelValues("VERIFIED")); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.VerifyRequests.WithLabelValues("NOT_VERIFIED")); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
}

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncDelivered(Header{Sender: "did:chum:a", Sequence: 1, Type: "data"})
	m.IncDelivered(Header{Sender: "did:chum:a", Sequence: 2, Type: "data"})
	m.IncAcked()
	m.IncSent(false)
	m.IncSent(true)
	m.IncRecvByType("data")
	m.IncRecvByType("data")
	m.IncDropByReason("duplicate")
	m.IncDropByReason("signature")
	m.SetCurrentPeers(3)
	m.SetCurrentSessions(7)
	snap := m.Snapshot()
	if snap.Messages.Delivered != 2 {
		t.Fatalf("expected delivered=2, got %d", snap.Messages.Delivered)
	}
	if snap.Messages.Acked != 1 || snap.Messages.Sent != 1 || snap.Messages.Queued != 1 {
		t.Fatalf("unexpected message counts: %+v", snap.Messages)
	}
	if snap.Messages.Duplicate != 1 {
		t.Fatalf("expected duplicate=1, got %d", snap.Messages.Duplicate)
	}
	if snap.RecvByType["data"] != 2 {
		t.Fatalf("expected recv_by_type data=2, got %d", snap.RecvByType["data"])
	}
	if snap.DropByReason["signature"] != 1 {
		t.Fatalf("expected drop_by_reason signature=1, got %d", snap.DropByReason["signature"])
	}
	if snap.CurrentPeers != 3 || snap.CurrentSessions != 7 {
		t.Fatalf("expected peers/sessions 3/7, got %d/%d", snap.CurrentPeers, snap.CurrentSessions)
	}
	if len(snap.Recent) != 2 || snap.Recent[1].Sequence != 2 {
		t.Fatalf("unexpected recent list: %+v", snap.Recent)
	}
	if got := m.Reasons(); len(got) != 2 || got[0] != "duplicate" {
		t.Fatalf("unexpected reasons: %v", got)
	}
}

func TestRecentIsBounded(t *testing.T) {
	r := NewRecent(2)
	for i := uint64(1); i <= 3; i++ {
		r.Add(Header{Sequence: i})
	}
	got := r.List()
	if len(got) != 2 || got[0].Sequence != 2 || got[1].Sequence != 3 {
		t.Fatalf("expected [2 3], got %+v", got)
	}
	var nilRecent *Recent
	nilRecent.Add(Header{})
	if nilRecent.List() != nil {
		t.Fatal("nil recent should list nothing")
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncDropByReason("rate")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chum_messages_dropped_total{reason="rate"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	path := t.TempDir() + "/metrics.json"
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

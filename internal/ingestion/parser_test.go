package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/position"
)

var alice = position.DeriveKey("ingest-test", 1)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func depositPayload(pool uint32) map[string]interface{} {
	return map[string]interface{}{
		"id":           "dep-1",
		"pool":         pool,
		"sequence":     7,
		"timestamp_us": int64(1_700_000_000_000_000),
		"key":          alice.String(),
		"from":         "0xwallet",
		"amount":       "115792089237316195423570985008687907853269984665640564039457584007913129639935",
	}
}

// ============================================================================
// Test: Subjects
// ============================================================================

func TestParseSubject_RoutesEveryEventType(t *testing.T) {
	seen := make(map[event.EventType]bool)
	for _, r := range ingestion.Routes() {
		got, pool, err := ingestion.ParseSubject(r.SubjectFor(3))
		if err != nil {
			t.Fatalf("%s: %v", r.SubjectFor(3), err)
		}
		if got != r.EventType {
			t.Errorf("%s: got %s, want %s", r.SubjectFor(3), got, r.EventType)
		}
		if pool == nil || *pool != 3 {
			t.Errorf("%s: pool token not parsed", r.SubjectFor(3))
		}
		if seen[r.EventType] {
			t.Errorf("event type %s routed twice", r.EventType)
		}
		seen[r.EventType] = true
	}
	if len(seen) != 20 {
		t.Errorf("expected 20 routes, got %d", len(seen))
	}
}

func TestParseSubject_Rejects(t *testing.T) {
	for _, subject := range []string{
		"market.trades.x",
		"equalis.cmd.lending",
		"equalis.cmd.lending.teleport.1",
		"equalis.cmd.lending.deposit.notanumber",
	} {
		if _, _, err := ingestion.ParseSubject(subject); err == nil {
			t.Errorf("%s: expected error", subject)
		}
	}
}

// ============================================================================
// Test: Payloads
// ============================================================================

func TestParseDeposit_FromSubject(t *testing.T) {
	raw := rawFromJSON(t, "equalis.cmd.lending.deposit.2", depositPayload(2))
	evt, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dep, ok := evt.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", evt)
	}
	if dep.Key != alice {
		t.Errorf("key: got %s", dep.Key)
	}
	if dep.Pool != 2 || dep.Sequence != 7 {
		t.Errorf("header: pool=%d sequence=%d", dep.Pool, dep.Sequence)
	}
	if !strings.HasPrefix(dep.Amount.Dec(), "11579208923731619542357098500868790785326998466564") {
		t.Errorf("amount lost precision: %s", dep.Amount.Dec())
	}
}

func TestParse_PoolMismatch(t *testing.T) {
	raw := rawFromJSON(t, "equalis.cmd.lending.deposit.9", depositPayload(2))
	if _, err := ingestion.ParseRawEvent(raw); err == nil {
		t.Fatal("expected pool mismatch error")
	}
}

func TestParse_TypeMismatch(t *testing.T) {
	raw := rawFromJSON(t, "equalis.cmd.lending.deposit.2", depositPayload(2))
	raw.EventType = event.EventTypeWithdraw
	if _, err := ingestion.ParseRawEvent(raw); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestParse_InvalidPayloads(t *testing.T) {
	cases := map[string]func(p map[string]interface{}){
		"missing id": func(p map[string]interface{}) { delete(p, "id") },
		"bad key":    func(p map[string]interface{}) { p["key"] = "zz" },
		"negative":   func(p map[string]interface{}) { p["amount"] = "-5" },
		"amount > 2^256": func(p map[string]interface{}) {
			p["amount"] = "115792089237316195423570985008687907853269984665640564039457584007913129639936"
		},
		"no timestamp": func(p map[string]interface{}) { delete(p, "timestamp_us") },
	}
	for name, mutate := range cases {
		p := depositPayload(2)
		mutate(p)
		raw := rawFromJSON(t, "equalis.cmd.lending.deposit.2", p)
		if _, err := ingestion.ParseRawEvent(raw); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseNamed(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"id": "liq-1", "pool": 1, "sequence": 3, "timestamp_us": 10, "key": alice.String(),
	})
	evt, err := ingestion.ParseNamed("Liquidate", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.EventType() != event.EventTypeLiquidate {
		t.Errorf("got %s", evt.EventType())
	}

	if _, err := ingestion.ParseNamed("TradeFill", data); err == nil {
		t.Error("expected unknown type error")
	}
}

// ============================================================================
// Test: Outbound
// ============================================================================

func TestPublishableFrom(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: "dep-1",
		EventType:      event.EventTypeDeposit,
		PoolID:         4,
		Payload:        []byte(`{"id":"dep-1"}`),
		Rejection:      "paused",
	}
	pub := ingestion.PublishableFrom(env)
	if pub.Subject() != "equalis.ledger.events.Deposit.4" {
		t.Errorf("subject: %s", pub.Subject())
	}
	if pub.Rejection != "paused" || len(pub.StateHash) != 64 {
		t.Errorf("unexpected %+v", pub)
	}
}

package ingestion_test

import (
	"context"
	"testing"
	"time"

	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/testutil"
)

// ============================================================================
// Test: JetStream setup (integration)
// ============================================================================

func TestEnsureStreams_Idempotent(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("nats unavailable: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Startup runs both on every boot, so a second call must succeed.
	for i := 0; i < 2; i++ {
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			t.Fatalf("ensure command stream (call %d): %v", i+1, err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			t.Fatalf("ensure outbound stream (call %d): %v", i+1, err)
		}
	}

	stream, err := js.Stream(ctx, ingestion.OutboundStream)
	if err != nil {
		t.Fatalf("lookup outbound stream: %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if len(info.Config.Subjects) != 1 || info.Config.Subjects[0] != "equalis.ledger.events.>" {
		t.Fatalf("subjects = %v, want [equalis.ledger.events.>]", info.Config.Subjects)
	}
}

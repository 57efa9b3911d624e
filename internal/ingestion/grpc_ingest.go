package ingestion

import (
	"context"
	"errors"
	"time"

	"EqualisLedger/internal/event"
)

var ErrIngestClosed = errors.New("ingest: core is not accepting submissions")

// SubmitResult is the core's answer to one submitted command.
type SubmitResult struct {
	Sequence  int64 // -1 when nothing was logged
	StateHash [32]byte
	Duplicate bool
	Rejection string
	Err       error // set when the command was not logged at all
}

// Submission carries a parsed command and the channel the core loop
// answers on.
type Submission struct {
	Event    event.Event
	Received time.Time
	Reply    chan SubmitResult
}

// GRPCIngestService injects commands from the admin and query surfaces.
// High-throughput producers publish to NATS instead.
type GRPCIngestService struct {
	submitChan chan<- Submission
}

func NewGRPCIngestService(submitChan chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{submitChan: submitChan}
}

// Submit parses payload as eventType and waits for the core's verdict.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload []byte) (SubmitResult, error) {
	evt, err := ParseNamed(eventType, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	return s.SubmitEvent(ctx, evt)
}

// SubmitEvent hands an already typed command to the core loop.
func (s *GRPCIngestService) SubmitEvent(ctx context.Context, evt event.Event) (SubmitResult, error) {
	if s.submitChan == nil {
		return SubmitResult{}, ErrIngestClosed
	}
	sub := Submission{Event: evt, Received: time.Now(), Reply: make(chan SubmitResult, 1)}

	select {
	case s.submitChan <- sub:
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}

	select {
	case res := <-sub.Reply:
		return res, nil
	case <-ctx.Done():
		// The command may still be applied; the caller retries with the
		// same id and gets a duplicate.
		return SubmitResult{}, ctx.Err()
	}
}

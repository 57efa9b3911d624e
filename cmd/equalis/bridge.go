package main

import (
	"EqualisLedger/internal/core"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"
	"EqualisLedger/internal/projection"
)

// bridgePersist converts core outputs into event log rows. The send to the
// persistence worker blocks, so a slow database stalls the core instead of
// losing events. Outbound publishing never blocks. Both outputs are closed
// once the core's channel closes.
func bridgePersist(
	in <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(publishOut)

	for out := range in {
		persistOut <- persistence.CoreOutput{
			EventRow:    persistence.EventRowFromEnvelope(out.Envelope),
			JournalRows: persistence.JournalRowsFromBatch(out.Envelope.PoolID, out.Batch),
		}

		select {
		case publishOut <- ingestion.PublishableFrom(out.Envelope):
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}
	}
}

// bridgeProjection feeds the projection worker. Dropped outputs are
// recovered by a projection rebuild.
func bridgeProjection(
	in <-chan core.CoreOutput,
	out chan<- projection.ProjectionOutput,
	metrics *observability.Metrics,
) {
	defer close(out)

	for o := range in {
		p := projection.ProjectionOutput{
			Sequence:  o.Envelope.Sequence,
			EventType: o.Envelope.EventType.String(),
			PoolID:    o.Envelope.PoolID,
			Journals:  persistence.JournalRowsFromBatch(o.Envelope.PoolID, o.Batch),
			Timestamp: o.Envelope.Timestamp.UnixMicro(),
		}
		select {
		case out <- p:
		default:
			if metrics != nil {
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

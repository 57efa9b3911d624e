package server

import "encoding/json"

type SubmitEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitEventResponse struct {
	Sequence  int64  `json:"sequence"` // -1 for a duplicate
	StateHash string `json:"state_hash,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Rejected  bool   `json:"rejected,omitempty"`
	Rejection string `json:"rejection,omitempty"`
}

type GetPoolRequest struct {
	Pool uint32 `json:"pool"`
}

type GetPositionRequest struct {
	Pool uint32 `json:"pool"`
	Key  string `json:"key"`
}

type PreviewSplitRequest struct {
	Pool   uint32 `json:"pool"`
	Amount string `json:"amount"`
}

type CheckSolvencyRequest struct {
	Pool   uint32 `json:"pool"`
	Key    string `json:"key"`
	Amount string `json:"amount,omitempty"` // proposed additional debt
}

type Empty struct{}

type EventLogInfo struct {
	LastSequence        int64  `json:"last_sequence"`
	CoreSequence        int64  `json:"core_sequence"`
	ProjectionWatermark int64  `json:"projection_watermark"`
	Uptime              string `json:"uptime"`
}

type RebuildResponse struct {
	Started bool `json:"started"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// RecentFee is one routed fee leg from the in-memory history.
type RecentFee struct {
	Sequence    int64  `json:"sequence"`
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Timestamp   int64  `json:"timestamp_us"`
}

// RecentFeesResponse lists a pool's latest routed fees, newest first, and
// the retained totals per destination.
type RecentFeesResponse struct {
	PoolID  uint32            `json:"pool_id"`
	Entries []RecentFee       `json:"entries"`
	Totals  map[string]string `json:"totals"`
}

package server

import (
	"context"

	"EqualisLedger/internal/query"

	"google.golang.org/grpc"
)

// LedgerClient calls equalis.v1.Ledger with the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ledgerServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) SubmitEvent(ctx context.Context, req *SubmitEventRequest, opts ...grpc.CallOption) (*SubmitEventResponse, error) {
	return invoke[SubmitEventResponse](ctx, c.cc, "SubmitEvent", req, opts)
}

func (c *LedgerClient) GetPool(ctx context.Context, req *GetPoolRequest, opts ...grpc.CallOption) (*query.PoolResponse, error) {
	return invoke[query.PoolResponse](ctx, c.cc, "GetPool", req, opts)
}

func (c *LedgerClient) GetPosition(ctx context.Context, req *GetPositionRequest, opts ...grpc.CallOption) (*query.PositionResponse, error) {
	return invoke[query.PositionResponse](ctx, c.cc, "GetPosition", req, opts)
}

func (c *LedgerClient) PreviewSplit(ctx context.Context, req *PreviewSplitRequest, opts ...grpc.CallOption) (*query.SplitResponse, error) {
	return invoke[query.SplitResponse](ctx, c.cc, "PreviewSplit", req, opts)
}

func (c *LedgerClient) CheckSolvency(ctx context.Context, req *CheckSolvencyRequest, opts ...grpc.CallOption) (*query.SolvencyResponse, error) {
	return invoke[query.SolvencyResponse](ctx, c.cc, "CheckSolvency", req, opts)
}

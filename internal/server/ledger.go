package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/ingestion"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/query"
	"EqualisLedger/internal/state"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LedgerServer is the equalis.v1.Ledger service.
type LedgerServer interface {
	SubmitEvent(context.Context, *SubmitEventRequest) (*SubmitEventResponse, error)
	GetPool(context.Context, *GetPoolRequest) (*query.PoolResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionResponse, error)
	PreviewSplit(context.Context, *PreviewSplitRequest) (*query.SplitResponse, error)
	CheckSolvency(context.Context, *CheckSolvencyRequest) (*query.SolvencyResponse, error)
}

const ledgerServiceName = "equalis.v1.Ledger"

// unary adapts a typed method to a grpc.MethodHandler.
func unary[S any, Req any, Resp any](fullMethod string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEvent", Handler: unary("/"+ledgerServiceName+"/SubmitEvent", LedgerServer.SubmitEvent)},
		{MethodName: "GetPool", Handler: unary("/"+ledgerServiceName+"/GetPool", LedgerServer.GetPool)},
		{MethodName: "GetPosition", Handler: unary("/"+ledgerServiceName+"/GetPosition", LedgerServer.GetPosition)},
		{MethodName: "PreviewSplit", Handler: unary("/"+ledgerServiceName+"/PreviewSplit", LedgerServer.PreviewSplit)},
		{MethodName: "CheckSolvency", Handler: unary("/"+ledgerServiceName+"/CheckSolvency", LedgerServer.CheckSolvency)},
	},
	Metadata: "equalis/v1/ledger.proto",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

// ============================================================================
// Ledger implementation
// ============================================================================

type ledgerService struct {
	reader *query.LiveReader
	ingest *ingestion.GRPCIngestService
}

// NewLedgerService serves live reads from reader and submissions through
// ingest. Either may be nil; the matching methods then return Unavailable.
func NewLedgerService(reader *query.LiveReader, ingest *ingestion.GRPCIngestService) LedgerServer {
	return &ledgerService{reader: reader, ingest: ingest}
}

func (s *ledgerService) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "ingest disabled")
	}
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	evt, err := ingestion.ParseNamed(req.EventType, req.Payload)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse payload: %v", err)
	}
	res, err := s.ingest.SubmitEvent(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Err != nil && res.Sequence < 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "not logged: %v", res.Err)
	}

	resp := &SubmitEventResponse{
		Sequence:  res.Sequence,
		Duplicate: res.Duplicate,
		Rejected:  res.Rejection != "",
		Rejection: res.Rejection,
	}
	if res.Sequence >= 0 {
		resp.StateHash = hex.EncodeToString(res.StateHash[:])
	}
	return resp, nil
}

func (s *ledgerService) GetPool(_ context.Context, req *GetPoolRequest) (*query.PoolResponse, error) {
	if s.reader == nil {
		return nil, status.Error(codes.Unavailable, "reads disabled")
	}
	resp, err := s.reader.GetPool(req.Pool)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) GetPosition(_ context.Context, req *GetPositionRequest) (*query.PositionResponse, error) {
	if s.reader == nil {
		return nil, status.Error(codes.Unavailable, "reads disabled")
	}
	key, err := position.ParseKey(req.Key)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "key: %v", err)
	}
	resp, err := s.reader.GetPosition(req.Pool, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) PreviewSplit(_ context.Context, req *PreviewSplitRequest) (*query.SplitResponse, error) {
	if s.reader == nil {
		return nil, status.Error(codes.Unavailable, "reads disabled")
	}
	amount, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "amount: %v", err)
	}
	resp, err := s.reader.PreviewSplit(req.Pool, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ledgerService) CheckSolvency(_ context.Context, req *CheckSolvencyRequest) (*query.SolvencyResponse, error) {
	if s.reader == nil {
		return nil, status.Error(codes.Unavailable, "reads disabled")
	}
	key, err := position.ParseKey(req.Key)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "key: %v", err)
	}
	extra, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "amount: %v", err)
	}
	resp, err := s.reader.CheckSolvency(req.Pool, key, extra)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, state.ErrPoolNotFound), errors.Is(err, query.ErrPositionNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, ingestion.ErrIngestClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, fmt.Sprint(err))
}

package server

import (
	"context"
	"database/sql"
	"time"

	"EqualisLedger/internal/persistence"
	"EqualisLedger/internal/projection"
	"EqualisLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AdminServer is the equalis.v1.Admin service.
type AdminServer interface {
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfo, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
}

const adminServiceName = "equalis.v1.Admin"

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifyIntegrity", Handler: unary("/"+adminServiceName+"/VerifyIntegrity", AdminServer.VerifyIntegrity)},
		{MethodName: "RebuildProjections", Handler: unary("/"+adminServiceName+"/RebuildProjections", AdminServer.RebuildProjections)},
		{MethodName: "GetEventLogInfo", Handler: unary("/"+adminServiceName+"/GetEventLogInfo", AdminServer.GetEventLogInfo)},
		{MethodName: "TakeSnapshot", Handler: unary("/"+adminServiceName+"/TakeSnapshot", AdminServer.TakeSnapshot)},
	},
	Metadata: "equalis/v1/admin.proto",
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

// SnapshotFunc asks the core loop for a snapshot and returns its sequence.
type SnapshotFunc func(ctx context.Context) (int64, error)

type adminService struct {
	db           *sql.DB
	snapMgr      *persistence.SnapshotManager
	queryService *query.QueryService
	snapshot     SnapshotFunc
	coreSequence func() int64
	startTime    time.Time
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.queryService == nil {
		return nil, status.Error(codes.Unavailable, "no database configured")
	}
	report, err := s.queryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *adminService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.db == nil {
		return nil, status.Error(codes.Unavailable, "no database configured")
	}
	if err := projection.RebuildProjections(ctx, s.db); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Started: true}, nil
}

func (s *adminService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfo, error) {
	info := &EventLogInfo{LastSequence: -1, CoreSequence: -1, ProjectionWatermark: -1, Uptime: time.Since(s.startTime).Round(time.Second).String()}
	if s.coreSequence != nil {
		info.CoreSequence = s.coreSequence()
	}
	if s.snapMgr != nil {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		info.LastSequence = latest
	}
	if s.queryService != nil {
		wm, err := s.queryService.Watermark(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "watermark: %v", err)
		}
		info.ProjectionWatermark = wm
	}
	return info, nil
}

func (s *adminService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots disabled")
	}
	seq, err := s.snapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

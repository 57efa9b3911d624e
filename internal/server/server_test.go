package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/projection"
	"EqualisLedger/internal/query"
	"EqualisLedger/internal/server"
	"EqualisLedger/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var alice = position.DeriveKey("server-test", 1)

type fixture struct {
	srv    *server.GRPCServer
	client *server.LedgerClient
	http   http.Handler
	fees   *projection.FeeHistoryProjection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	svc := product.NewService(state.NewStore(), custody.NewVault(), metrics)
	c := core.NewDeterministicCore(0, svc, nil, nil, nil, metrics)
	submits := make(chan ingestion.Submission)
	runner := core.NewRunner(c, nil, submits, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runner.Run(ctx)

	fees := projection.NewFeeHistoryProjection(10)
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Reader:        query.NewLiveReader(svc, runner.LastSequence, metrics),
		IngestService: ingestion.NewGRPCIngestService(submits),
		CoreSequence:  runner.LastSequence,
		StartTime:     time.Now(),
		Gatherer:      reg,
		FeeHistory:    fees,
	})

	lis := bufconn.Listen(1 << 20)
	go srv.Server().Serve(lis)
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	h, err := srv.HTTPHandler()
	require.NoError(t, err)
	return &fixture{srv: srv, client: server.NewLedgerClient(conn), http: h, fees: fees}
}

func payload(t *testing.T, v map[string]interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	res, err := f.client.SubmitEvent(ctx, &server.SubmitEventRequest{
		EventType: "PoolCreated",
		Payload: payload(t, map[string]interface{}{
			"id": "create-1", "pool": 1, "sequence": 0, "timestamp_us": 1,
			"config": map[string]interface{}{
				"underlying": "USDC", "decimals": 6,
				"depositor_ltv_bps": 8000, "liquidation_threshold_bps": 9000,
				"fee_split": map[string]interface{}{"treasury_bps": 1000, "active_credit_bps": 2000, "fee_index_bps": 8000},
				"treasury":  "treasury",
			},
		}),
	})
	require.NoError(t, err)
	require.False(t, res.Rejected, res.Rejection)

	res, err = f.client.SubmitEvent(ctx, &server.SubmitEventRequest{
		EventType: "Deposit",
		Payload: payload(t, map[string]interface{}{
			"id": "dep-1", "pool": 1, "sequence": 1, "timestamp_us": 2,
			"key": alice.String(), "from": "wallet", "amount": "1000",
		}),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Sequence)
	require.Len(t, res.StateHash, 64)
}

func TestGRPC_SubmitAndRead(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	pool, err := f.client.GetPool(ctx, &server.GetPoolRequest{Pool: 1})
	require.NoError(t, err)
	assert.Equal(t, "1000", pool.TotalDeposits.Raw)
	assert.Equal(t, int64(1), pool.AsOfSequence)

	pos, err := f.client.GetPosition(ctx, &server.GetPositionRequest{Pool: 1, Key: alice.String()})
	require.NoError(t, err)
	assert.Equal(t, "1000", pos.Available.Raw)

	sol, err := f.client.CheckSolvency(ctx, &server.CheckSolvencyRequest{Pool: 1, Key: alice.String(), Amount: "800"})
	require.NoError(t, err)
	assert.True(t, sol.Solvent)

	split, err := f.client.PreviewSplit(ctx, &server.PreviewSplitRequest{Pool: 1, Amount: "1000"})
	require.NoError(t, err)
	assert.Equal(t, "100", split.Treasury.Raw)
}

func TestGRPC_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.GetPool(ctx, &server.GetPoolRequest{Pool: 7})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.GetPosition(ctx, &server.GetPositionRequest{Pool: 7, Key: "nothex"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.SubmitEvent(ctx, &server.SubmitEventRequest{EventType: "TradeFill", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_RejectionIsLogged(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	res, err := f.client.SubmitEvent(context.Background(), &server.SubmitEventRequest{
		EventType: "Withdraw",
		Payload: payload(t, map[string]interface{}{
			"id": "wd-1", "pool": 1, "sequence": 2, "timestamp_us": 3,
			"key": alice.String(), "to": "wallet", "amount": "5000",
		}),
	})
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Equal(t, int64(2), res.Sequence)
}

func TestHTTP_Routes(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		f.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/v1/pools/1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pool query.PoolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	assert.Equal(t, "USDC", pool.Underlying)

	rec = get("/v1/pools/1/positions/" + alice.String())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/v1/pools/1/split?amount=1000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"treasury":{"raw":"100"`)

	assert.Equal(t, http.StatusNotFound, get("/v1/pools/9").Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/pools/1/split").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/v1/pools/1/fees").Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "equalis_query_requests_total")

	rec = httptest.NewRecorder()
	body := `{"event_type":"Deposit","payload":{"id":"dep-2","pool":1,"sequence":2,"timestamp_us":3,"key":"` + alice.String() + `","from":"w","amount":"5"}}`
	f.http.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"sequence":2`)
}

func TestHTTP_RecentFees(t *testing.T) {
	f := newFixture(t)
	for i, dest := range []string{"treasury", "yield_reserve", "treasury"} {
		e := projection.FeeEntry{Sequence: int64(i), PoolID: 1, Asset: "USDC", Destination: dest}
		e.Amount.SetUint64(10)
		f.fees.AddEntry(e)
	}

	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pools/1/fees/recent?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp server.RecentFeesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, int64(2), resp.Entries[0].Sequence)
	assert.Equal(t, "20", resp.Totals["treasury"])
	assert.Equal(t, "10", resp.Totals["yield_reserve"])
}

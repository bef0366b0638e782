package healthcheck

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fyerfyer/dbproxy/datasource"
	"github.com/fyerfyer/dbproxy/internal/fakedb"
	"github.com/fyerfyer/dbproxy/pool"
	"github.com/fyerfyer/dbproxy/proxy"
)

type failingSource struct {
	err error
}

func (s failingSource) Conn(context.Context) (*proxy.Connection, error) {
	return nil, s.err
}

func newDataSource(t *testing.T) (*datasource.DataSource, *fakedb.DB) {
	t.Helper()
	db := fakedb.New()
	ds := datasource.New(db, datasource.WithPoolOptions(pool.WithIdleCheckFrequency(0)))
	t.Cleanup(func() { _ = ds.Close(context.Background()) })
	return ds, db
}

func status(t *testing.T, r *Reporter) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "db"})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestReporter_Check(t *testing.T) {
	ds, db := newDataSource(t)
	r := NewReporter(ds, Options{Service: "db"})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r))

	require.NoError(t, r.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, r))
	assert.NoError(t, r.LastError())

	// 探测连接已归还
	stats := ds.Stats().Pool
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, db.Opened())
}

func TestReporter_CheckFailure(t *testing.T) {
	down := errors.New("database is down")
	r := NewReporter(failingSource{err: down}, Options{Service: "db"})

	err := r.Check(context.Background())
	require.ErrorIs(t, err, down)
	assert.ErrorIs(t, r.LastError(), down)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r))
}

func TestReporter_TerminatedDataSource(t *testing.T) {
	ds, _ := newDataSource(t)
	r := NewReporter(ds, Options{Service: "db"})
	require.NoError(t, r.Check(context.Background()))

	require.NoError(t, ds.Close(context.Background()))
	err := r.Check(context.Background())
	assert.ErrorIs(t, err, datasource.ErrTerminated)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r))
}

func TestReporter_RunStopsServing(t *testing.T) {
	ds, _ := newDataSource(t)
	r := NewReporter(ds, Options{Service: "db", Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return status(t, r) == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r))
}

func TestServeAndCheckRemote(t *testing.T) {
	ds, _ := newDataSource(t)
	r := NewReporter(ds, Options{Service: "db"})
	require.NoError(t, r.Check(context.Background()))

	lis := bufconn.Listen(1 << 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Serve(ctx, lis) }()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	checkCtx, checkCancel := context.WithTimeout(context.Background(), time.Second)
	defer checkCancel()
	st, err := CheckRemote(checkCtx, "passthrough:///bufnet", "db",
		dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

package locate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shaunagostinho/gpsgate/internal/gps"
	"github.com/shaunagostinho/gpsgate/internal/gps/gpstest"
	"github.com/shaunagostinho/gpsgate/internal/obs"
)

// recorder is a listener that counts invocations.
type recorder struct {
	mu    sync.Mutex
	calls int
	last  gps.Location
}

func (r *recorder) listen(loc gps.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = loc
}

func (r *recorder) snapshot() (int, gps.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.last
}

func waitDone(t *testing.T, r *Request) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("request did not finish, state=%s", r.State())
	}
}

// TestRequestLastKnownCachedPosition verifies the fast path: a cached
// position is delivered without asking for a fresh fix.
func TestRequestLastKnownCachedPosition(t *testing.T) {
	fake := &gpstest.Provider{Cached: &gps.Location{Latitude: 48.846, Longitude: 2.344}}
	rec := &recorder{}

	req, err := New(fake).RequestLastKnown(context.Background(), rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	calls, loc := rec.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 48.846, loc.Latitude)
	assert.Equal(t, 2.344, loc.Longitude)
	assert.Equal(t, StateDelivered, req.State())
	assert.NoError(t, req.Err())

	counts := fake.Counts()
	assert.Equal(t, 1, counts.Connects)
	assert.Equal(t, 1, counts.LastKnown)
	assert.Equal(t, 0, counts.FixRequests)
	assert.Equal(t, 1, counts.Disconnects, "connection must be released after delivery")
}

// TestRequestLastKnownFallsBackToFix verifies the slow path at the
// provider's default priority when nothing is cached.
func TestRequestLastKnownFallsBackToFix(t *testing.T) {
	fake := &gpstest.Provider{Fix: &gps.Location{Latitude: 40.0, Longitude: -75.0}}
	rec := &recorder{}

	req, err := New(fake).RequestLastKnown(context.Background(), rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	calls, loc := rec.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, gps.Location{Latitude: 40.0, Longitude: -75.0}, loc)

	counts := fake.Counts()
	assert.Equal(t, 1, counts.LastKnown)
	assert.Equal(t, 1, counts.FixRequests)
	assert.Equal(t, []gps.Priority{gps.PriorityDefault}, counts.Priorities)
	assert.Equal(t, 1, counts.Disconnects)
}

// TestRequestCurrentSkipsCache verifies that a current request never looks
// at the cache, whatever the priority.
func TestRequestCurrentSkipsCache(t *testing.T) {
	tests := []struct {
		name     string
		priority gps.Priority
		want     gps.Priority
	}{
		{"high accuracy", gps.PriorityHighAccuracy, gps.PriorityHighAccuracy},
		{"balanced", gps.PriorityBalanced, gps.PriorityBalanced},
		{"low power", gps.PriorityLowPower, gps.PriorityLowPower},
		{"passive", gps.PriorityPassive, gps.PriorityPassive},
		{"default", gps.PriorityDefault, gps.PriorityDefault},
		{"below lowest tier", gps.Priority(-1), gps.PriorityDefault},
		{"unknown tier", gps.Priority(101), gps.PriorityDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &gpstest.Provider{
				Cached: &gps.Location{Latitude: 1, Longitude: 1},
				Fix:    &gps.Location{Latitude: 2, Longitude: 2},
			}
			rec := &recorder{}

			req, err := New(fake).RequestCurrent(context.Background(), tt.priority, rec.listen)
			require.NoError(t, err)
			waitDone(t, req)

			_, loc := rec.snapshot()
			assert.Equal(t, 2.0, loc.Latitude, "fresh fix expected, not the cached one")
			assert.Equal(t, tt.want, req.Priority())

			counts := fake.Counts()
			assert.Equal(t, 0, counts.LastKnown)
			assert.Equal(t, []gps.Priority{tt.want}, counts.Priorities)
		})
	}
}

// TestListenerInvokedAtMostOnce drives duplicate connects and fixes and
// checks the listener still runs once.
func TestListenerInvokedAtMostOnce(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectNever}
	var calls atomic.Int32

	req, err := New(fake).RequestCurrent(context.Background(), gps.PriorityHighAccuracy, func(gps.Location) {
		calls.Add(1)
	})
	require.NoError(t, err)

	conn := fake.Conns()[0]
	conn.FireConnected()
	conn.FireConnected()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn.Deliver(gps.Location{Latitude: float64(i)})
		}(i)
	}
	wg.Wait()
	waitDone(t, req)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, conn.Counts().FixRequests, "a resumed connection must not re-request")
	assert.Equal(t, 1, conn.Counts().Disconnects)
}

// TestConnectionFailureDisconnects verifies a failed connection is logged,
// never delivered, and still released.
func TestConnectionFailureDisconnects(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fake := &gpstest.Provider{Mode: gpstest.ConnectFail, FailCode: gps.CodeNetworkError}
	rec := &recorder{}

	req, err := New(fake, WithLogger(zap.New(core))).RequestLastKnown(context.Background(), rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	calls, _ := rec.snapshot()
	assert.Equal(t, 0, calls)
	assert.Equal(t, StateFailedConnect, req.State())

	var connErr *gps.ConnectionError
	require.ErrorAs(t, req.Err(), &connErr)
	assert.Equal(t, gps.CodeNetworkError, connErr.Code)
	assert.Equal(t, 1, fake.Counts().Disconnects)

	entries := logs.FilterMessage("location provider connection failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(gps.CodeNetworkError), entries[0].ContextMap()["code"])
}

// TestLateConnectionFailureIgnored verifies a failure reported after the
// request ended neither changes its outcome nor logs a failed connection.
func TestLateConnectionFailureIgnored(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fake := &gpstest.Provider{Mode: gpstest.ConnectNever}

	req, err := New(fake, WithLogger(zap.New(core)), WithConnectTimeout(30*time.Millisecond)).
		RequestLastKnown(context.Background(), func(gps.Location) {})
	require.NoError(t, err)
	waitDone(t, req)

	fake.Conns()[0].FireConnectionFailed(gps.CodeCanceled)

	assert.Equal(t, StateTimedOut, req.State())
	assert.ErrorIs(t, req.Err(), ErrConnectTimeout)
	assert.Equal(t, 0, logs.FilterMessage("location provider connection failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("location request timed out").Len())
	assert.Equal(t, 1, fake.Counts().Disconnects)
}

// TestFailedLookupEndsRequest verifies an IP lookup that fails ends the
// request at once instead of waiting for the fix timeout.
func TestFailedLookupEndsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"private range"}`))
	}))
	defer srv.Close()

	rec := &recorder{}
	start := time.Now()
	req, err := New(gps.NewIP(gps.IPConfig{URL: srv.URL}, nil, nil), WithFixTimeout(time.Minute)).
		RequestCurrent(context.Background(), gps.PriorityLowPower, rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateFailedConnect, req.State())
	var connErr *gps.ConnectionError
	require.ErrorAs(t, req.Err(), &connErr)
	assert.Equal(t, gps.CodeNetworkError, connErr.Code)
	calls, _ := rec.snapshot()
	assert.Equal(t, 0, calls)
}

// TestUnavailableProvider verifies no connection is attempted.
func TestUnavailableProvider(t *testing.T) {
	fake := &gpstest.Provider{Unavailable: errors.New("not installed")}
	rec := &recorder{}

	req, err := New(fake).RequestLastKnown(context.Background(), rec.listen)
	assert.Nil(t, req)
	require.ErrorIs(t, err, gps.ErrUnavailable)
	assert.Contains(t, err.Error(), "not installed")

	_, err = New(fake).RequestCurrent(context.Background(), gps.PriorityHighAccuracy, rec.listen)
	require.ErrorIs(t, err, gps.ErrUnavailable)

	assert.Equal(t, 0, fake.Connects())
	calls, _ := rec.snapshot()
	assert.Equal(t, 0, calls)
}

// TestConnectTimeout verifies a provider that never connects ends in
// StateTimedOut and a late connect is ignored.
func TestConnectTimeout(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectNever}
	rec := &recorder{}

	req, err := New(fake, WithConnectTimeout(50*time.Millisecond)).
		RequestLastKnown(context.Background(), rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	assert.Equal(t, StateTimedOut, req.State())
	assert.ErrorIs(t, req.Err(), ErrConnectTimeout)
	assert.Equal(t, 1, fake.Counts().Disconnects)

	fake.Conns()[0].FireConnected()
	counts := fake.Counts()
	assert.Equal(t, 0, counts.LastKnown)
	assert.Equal(t, 0, counts.FixRequests)
}

// TestFixTimeout verifies a fix that never arrives ends the request and a
// late fix is dropped.
func TestFixTimeout(t *testing.T) {
	fake := &gpstest.Provider{}
	rec := &recorder{}

	req, err := New(fake, WithFixTimeout(50*time.Millisecond)).
		RequestCurrent(context.Background(), gps.PriorityBalanced, rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	assert.Equal(t, StateTimedOut, req.State())
	assert.ErrorIs(t, req.Err(), ErrFixTimeout)

	fake.Conns()[0].Deliver(gps.Location{Latitude: 9})
	calls, _ := rec.snapshot()
	assert.Equal(t, 0, calls)
}

func TestContextCancel(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectNever}
	ctx, cancel := context.WithCancel(context.Background())

	req, err := New(fake).RequestLastKnown(ctx, func(gps.Location) {})
	require.NoError(t, err)
	cancel()
	waitDone(t, req)

	assert.Equal(t, StateCanceled, req.State())
	assert.ErrorIs(t, req.Err(), context.Canceled)
	assert.Equal(t, 1, fake.Counts().Disconnects)
}

func TestAlreadyCanceledContextNeverConnects(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectSync, Cached: &gps.Location{Latitude: 1}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}

	req, err := New(fake).RequestLastKnown(ctx, rec.listen)
	require.NoError(t, err)
	waitDone(t, req)

	assert.Equal(t, StateCanceled, req.State())
	assert.Equal(t, 0, fake.Connects())
	calls, _ := rec.snapshot()
	assert.Equal(t, 0, calls)
}

// TestSuspendedThenResumed verifies suspension is a no-op and the request
// continues once the connection comes back.
func TestSuspendedThenResumed(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectNever}
	rec := &recorder{}

	req, err := New(fake).RequestLastKnown(context.Background(), rec.listen)
	require.NoError(t, err)

	conn := fake.Conns()[0]
	conn.FireSuspended(gps.CauseNetworkLost)
	assert.Equal(t, StateConnecting, req.State())

	conn.FireConnected()
	assert.Equal(t, StateAwaitingFix, req.State())
	require.True(t, conn.Deliver(gps.Location{Latitude: 3, Longitude: 4}))
	waitDone(t, req)

	calls, loc := rec.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3.0, loc.Latitude)
}

// TestConnectTimerAfterConnected verifies a connect timeout that fires once
// the request is already waiting for its fix has no effect.
func TestConnectTimerAfterConnected(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectNever}
	rec := &recorder{}

	req, err := New(fake).RequestCurrent(context.Background(), gps.PriorityHighAccuracy, rec.listen)
	require.NoError(t, err)
	conn := fake.Conns()[0]
	conn.FireConnected()
	require.Equal(t, StateAwaitingFix, req.State())

	req.expire(StateConnecting, ErrConnectTimeout)
	assert.Equal(t, StateAwaitingFix, req.State())
	assert.NoError(t, req.Err())

	require.True(t, conn.Deliver(gps.Location{Latitude: 7, Longitude: 8}))
	waitDone(t, req)
	assert.Equal(t, StateDelivered, req.State())
	calls, loc := rec.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 7.0, loc.Latitude)
}

func TestFixRequestError(t *testing.T) {
	fake := &gpstest.Provider{FixErr: gps.ErrNotConnected}

	req, err := New(fake).RequestCurrent(context.Background(), gps.PriorityHighAccuracy, func(gps.Location) {})
	require.NoError(t, err)
	waitDone(t, req)

	assert.Equal(t, StateFailedConnect, req.State())
	assert.ErrorIs(t, req.Err(), gps.ErrNotConnected)
	assert.Equal(t, 1, fake.Counts().Disconnects)
}

// TestSynchronousConnect verifies providers may report the outcome from
// inside Connect.
func TestSynchronousConnect(t *testing.T) {
	fake := &gpstest.Provider{Mode: gpstest.ConnectSync, Cached: &gps.Location{Latitude: 5}}
	rec := &recorder{}

	req, err := New(fake).RequestLastKnown(context.Background(), rec.listen)
	require.NoError(t, err)

	select {
	case <-req.Done():
	default:
		t.Fatal("synchronous fast path should finish before the request is returned")
	}
	calls, _ := rec.snapshot()
	assert.Equal(t, 1, calls)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := obs.NewMetrics(reg)

	cached := &gpstest.Provider{Cached: &gps.Location{Latitude: 1}}
	req, err := New(cached, WithMetrics(m)).RequestLastKnown(context.Background(), func(gps.Location) {})
	require.NoError(t, err)
	waitDone(t, req)

	fresh := &gpstest.Provider{Fix: &gps.Location{Latitude: 2}}
	req, err = New(fresh, WithMetrics(m)).RequestCurrent(context.Background(), gps.PriorityHighAccuracy, func(gps.Location) {})
	require.NoError(t, err)
	waitDone(t, req)

	_, err = New(&gpstest.Provider{Unavailable: gps.ErrUnavailable}, WithMetrics(m)).
		RequestLastKnown(context.Background(), func(gps.Location) {})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("last_known")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("current")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("fast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("slow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("unavailable")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestDeliveryStateString(t *testing.T) {
	assert.Equal(t, "awaiting_fix", StateAwaitingFix.String())
	assert.Equal(t, "state(42)", DeliveryState(42).String())
	assert.False(t, StateAwaitingFix.Terminal())
	assert.True(t, StateCanceled.Terminal())
}

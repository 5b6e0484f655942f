package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/types"
)

// fakeDialer accepts connections only to the listed addresses.
type fakeDialer struct {
	reachable map[string]bool
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
}

func (f *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	if !f.reachable[address] {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

type fakeHealth struct {
	healthy map[string]bool
}

func (f fakeHealth) CheckHealth(_ context.Context, p types.Peer, _ time.Duration) bool {
	return f.healthy[p.Address]
}

func TestRangeAddresses(t *testing.T) {
	addrs, err := Range{Base: "192.168.1", Start: 2, End: 4}.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.2", "192.168.1.3", "192.168.1.4"}, addrs)

	addrs, err = Range{Base: "10.0.0.250", Start: 5, End: 7}.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.255", "10.0.1.0", "10.0.1.1"}, addrs)
}

func TestRangeValidation(t *testing.T) {
	for _, r := range []Range{
		{Base: "192.168.1.0", Start: 10, End: 2},
		{Base: "255.255.255.250", Start: 0, End: 10},
		{Base: "not-an-ip", Start: 1, End: 2},
		{Base: "", Start: 1, End: 2},
		{Base: "::1", Start: 1, End: 2},
		{Base: "10.0.0.0", Start: -1, End: 2},
	} {
		err := r.Validate()
		assert.ErrorIs(t, err, types.ErrConfig, r.String())
	}
	assert.NoError(t, Range{Base: "255.255.255.250", Start: 0, End: 5}.Validate())
}

func TestRangeFromCIDR(t *testing.T) {
	r, err := RangeFromCIDR("192.168.1.0/24")
	require.NoError(t, err)
	assert.Equal(t, Range{Base: "192.168.1.0", Start: 1, End: 254}, r)

	r, err = RangeFromCIDR("10.0.0.4/31")
	require.NoError(t, err)
	assert.Equal(t, Range{Base: "10.0.0.4", Start: 0, End: 1}, r)

	_, err = RangeFromCIDR("bogus")
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestDiscoverReturnsExactlyReachable(t *testing.T) {
	dialer := &fakeDialer{reachable: map[string]bool{
		"10.1.1.2:8888":   true,
		"10.1.1.77:8888":  true,
		"10.1.1.254:8888": true,
		"10.1.1.1:8888":   true, // outside the range
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d := New(nil, zaptest.NewLogger(t))
	d.SetDialer(dialer)
	d.SetMetrics(m)

	r := Range{Base: "10.1.1.0", Start: 2, End: 254}
	found, err := d.Discover(context.Background(), r, 8888, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []types.Peer{
		{Address: "10.1.1.2", Port: 8888},
		{Address: "10.1.1.77", Port: 8888},
		{Address: "10.1.1.254", Port: 8888},
	}, found)
	assert.LessOrEqual(t, dialer.maxSeen.Load(), int32(DefaultConcurrency))

	assert.Equal(t, float64(253), testutil.ToFloat64(m.ProbesTotal))
	assert.Equal(t, float64(250), testutil.ToFloat64(m.ProbeFailures))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PeersDiscovered))

	// Repeating the scan does not duplicate peers.
	_, err = d.Discover(context.Background(), r, 8888, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, found, d.Peers())
}

func TestDiscoverRespectsConcurrency(t *testing.T) {
	dialer := &fakeDialer{reachable: map[string]bool{}}
	d := New(nil, nil)
	d.SetDialer(dialer)
	d.SetConcurrency(4)

	_, err := d.Discover(context.Background(), Range{Base: "10.0.0.0", Start: 1, End: 40}, 8888, time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, dialer.maxSeen.Load(), int32(4))
}

func TestDiscoverInvalidInput(t *testing.T) {
	d := New(nil, nil)
	_, err := d.Discover(context.Background(), Range{Base: "10.0.0.0", Start: 5, End: 1}, 8888, time.Second)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = d.Discover(context.Background(), Range{Base: "10.0.0.0", Start: 1, End: 5}, 0, time.Second)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestDiscoverLoopback(t *testing.T) {
	first, err := net.Listen("tcp", "127.0.0.2:0")
	if err != nil {
		t.Skipf("loopback alias unavailable: %v", err)
	}
	defer first.Close()
	port := first.Addr().(*net.TCPAddr).Port

	listeners := []net.Listener{first}
	for _, host := range []string{"127.0.0.9", "127.0.0.200"} {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			t.Skipf("cannot bind %s:%d: %v", host, port, err)
		}
		defer ln.Close()
		listeners = append(listeners, ln)
	}

	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}(ln)
	}

	d := New(nil, zaptest.NewLogger(t))
	found, err := d.Discover(context.Background(), Range{Base: "127.0.0", Start: 2, End: 254}, port, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []types.Peer{
		{Address: "127.0.0.2", Port: port},
		{Address: "127.0.0.9", Port: port},
		{Address: "127.0.0.200", Port: port},
	}, found)

	for _, ln := range listeners {
		ln.Close()
	}
	wg.Wait()
}

func TestAddOverwritesByAddress(t *testing.T) {
	d := New(nil, nil)
	d.Add("static", types.Peer{Address: "10.0.0.1", Port: 8888})
	d.Add("registry", types.Peer{Address: "10.0.0.1", Port: 9999}, types.Peer{Address: "10.0.0.2", Port: 8888})

	assert.Equal(t, []types.Peer{
		{Address: "10.0.0.1", Port: 9999},
		{Address: "10.0.0.2", Port: 8888},
	}, d.Peers())

	topo := d.Topology()
	assert.Equal(t, 2, topo.Total)
	assert.Equal(t, "static", topo.Peers[0].Source)
	assert.Equal(t, PeerAlive, topo.Peers[0].Status)
}

func TestPrune(t *testing.T) {
	health := fakeHealth{healthy: map[string]bool{"10.0.0.1": true}}
	d := New(health, zaptest.NewLogger(t))
	d.Add("static",
		types.Peer{Address: "10.0.0.1", Port: 8888},
		types.Peer{Address: "10.0.0.2", Port: 8888},
		types.Peer{Address: "10.0.0.3", Port: 8888},
	)

	removed := d.Prune(context.Background(), time.Second)
	assert.Equal(t, []types.Peer{
		{Address: "10.0.0.2", Port: 8888},
		{Address: "10.0.0.3", Port: 8888},
	}, removed)
	assert.Equal(t, []types.Peer{{Address: "10.0.0.1", Port: 8888}}, d.Peers())
}

func TestCheckHealthWithoutChecker(t *testing.T) {
	d := New(nil, nil)
	assert.False(t, d.CheckHealth(context.Background(), types.Peer{Address: "10.0.0.1", Port: 1}, time.Second))
}

func TestLessAddressNumeric(t *testing.T) {
	assert.True(t, lessAddress("10.0.0.9", "10.0.0.10"))
	assert.True(t, lessAddress("10.0.0.9", "example.com"))
	assert.False(t, lessAddress("example.com", "10.0.0.9"))
}

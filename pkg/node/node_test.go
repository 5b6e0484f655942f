package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshdeploy/pkg/auth"
	"meshdeploy/pkg/discovery"
	"meshdeploy/pkg/knowledge"
	"meshdeploy/pkg/knowledge/syncsvc"
	"meshdeploy/pkg/metrics"
	"meshdeploy/pkg/orchestrator"
	"meshdeploy/pkg/registry"
	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/transfer"
	"meshdeploy/pkg/types"
)

type fixedSampler struct{}

func (fixedSampler) CPUBusyPercent(context.Context) (float64, error) { return 25, nil }

func (fixedSampler) AvailableMemoryBytes(context.Context) (uint64, error) { return 8 << 30, nil }

func (fixedSampler) FreeStorageBytes(context.Context) (uint64, error) { return 100 << 30, nil }

// loadedSampler also reports heavy memory use.
type loadedSampler struct{ fixedSampler }

func (loadedSampler) MemoryUsedPercent(context.Context) (float64, error) { return 95, nil }

func testCipher(t *testing.T) *seal.Cipher {
	t.Helper()
	key, err := seal.DeriveKey("fleet")
	require.NoError(t, err)
	c, err := seal.New(key)
	require.NoError(t, err)
	return c
}

func testNodeConfig(t *testing.T) Config {
	return Config{
		ListenAddress:     "127.0.0.1:0",
		KnowledgeAddress:  "127.0.0.1:0",
		MetricsAddress:    "127.0.0.1:0",
		ArtifactDir:       filepath.Join(t.TempDir(), "artifacts"),
		IOTimeout:         5 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

func startNode(t *testing.T, cfg Config) (*Node, *metrics.Metrics, *prometheus.Registry) {
	t.Helper()
	n, err := New(cfg, testCipher(t), fixedSampler{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	n.SetMetrics(m, reg)

	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n, m, reg
}

func peerOf(t *testing.T, addr net.Addr) types.Peer {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	return types.Peer{Address: "127.0.0.1", Port: tcp.Port}
}

func TestNewRequiresCipher(t *testing.T) {
	_, err := New(testNodeConfig(t), nil, fixedSampler{}, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestStartAssessesCapabilities(t *testing.T) {
	n, m, _ := startNode(t, testNodeConfig(t))

	p := n.Assessor().Profile()
	assert.Equal(t, float64(75), p.Compute)
	assert.Equal(t, float64(8), p.Memory)
	assert.Equal(t, float64(100), p.Storage)
	assert.Equal(t, float64(75), testutil.ToFloat64(m.Capability.WithLabelValues(types.CapCompute)))
	assert.NotNil(t, n.Addr())
	assert.NotNil(t, n.KnowledgeAddr())
	assert.NotNil(t, n.MetricsAddr())
}

func TestHeartbeatAppliesUtilizationFeedback(t *testing.T) {
	n, err := New(testNodeConfig(t), testCipher(t), loadedSampler{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)

	// 8 GiB available shrinks by 10% once the heartbeat sees 95% usage.
	assert.Eventually(t, func() bool {
		m := n.Assessor().Profile().Memory
		return m > 7.19 && m < 7.21
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testNodeConfig(t)
	cfg.ListenAddress = ln.Addr().String()
	n, err := New(cfg, testCipher(t), fixedSampler{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.ErrorIs(t, n.Start(context.Background()), types.ErrResource)
}

func TestDeployToRunningNode(t *testing.T) {
	n, _, _ := startNode(t, testNodeConfig(t))
	peer := peerOf(t, n.Addr())

	logger := zaptest.NewLogger(t)
	client := transfer.NewClient(testCipher(t), 0, logger)
	disc := discovery.New(client, logger)
	disc.Add("test", peer)

	cfg := orchestrator.DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	orch := orchestrator.New(cfg, client, disc, nil, logger)
	orch.SetLocalNode(n)

	body := make([]byte, 3*4096+17)
	for i := range body {
		body[i] = byte(i)
	}
	artifact := types.NewArtifact("service.bin", body)

	report, err := orch.Deploy(context.Background(), artifact, map[string]float64{types.CapCompute: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replication.Succeeded)
	assert.Equal(t, 1, report.Activation.Succeeded)
	require.NotNil(t, report.Expansion)
	require.Equal(t, 1, report.Expansion.Succeeded)
	assert.InDelta(t, 82.5, report.Expansion.Results[0].Capabilities.Compute, 1e-9)

	got, err := os.ReadFile(filepath.Join(n.Store().Dir(), "service.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	status := orch.Status()
	assert.True(t, status.Active)
	require.Len(t, status.Received, 1)
	assert.Equal(t, artifact.Hash, status.Received[0].Hash)
	assert.True(t, disc.CheckHealth(context.Background(), peer, time.Second))
}

func TestKnowledgeSyncWithNode(t *testing.T) {
	n, m, _ := startNode(t, testNodeConfig(t))
	require.NoError(t, n.Knowledge().Add("region", "eu-west"))
	require.NoError(t, n.Knowledge().Add("replicas", 3))

	local := knowledge.NewStore(nil)
	require.NoError(t, local.Add("owner", "ops"))
	require.NoError(t, local.Add("region", "us-east"))

	client, err := syncsvc.Dial(n.KnowledgeAddr().String(), 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Sync(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, []string{"region"}, res.Conflicts)
	assert.Equal(t, n.Knowledge().RootHash(), local.RootHash())

	v, ok := local.Get("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west", v)
	assert.Equal(t, 3, local.Len())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.KnowledgeEntries))
}

func TestKnowledgeSyncRequiresToken(t *testing.T) {
	key, err := seal.DeriveKey("fleet")
	require.NoError(t, err)
	cfg := testNodeConfig(t)
	cfg.SyncKey = key
	n, _, _ := startNode(t, cfg)
	require.NoError(t, n.Knowledge().Add("region", "eu-west"))

	anon, err := syncsvc.Dial(n.KnowledgeAddr().String(), 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer anon.Close()
	_, _, err = anon.RemoteRoot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthenticated")

	client, err := syncsvc.Dial(n.KnowledgeAddr().String(), 5*time.Second, zaptest.NewLogger(t),
		auth.NewInterceptor(key, nil).DialOption())
	require.NoError(t, err)
	defer client.Close()
	root, count, err := client.RemoteRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n.Knowledge().RootHash(), root)
	assert.Equal(t, 1, count)
}

func TestHealthEndpoint(t *testing.T) {
	n, _, _ := startNode(t, testNodeConfig(t))
	base := fmt.Sprintf("http://%s", n.MetricsAddr())

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["active"])

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	require.NoError(t, os.RemoveAll(n.Store().Dir()))
	unhealthy, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer unhealthy.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, unhealthy.StatusCode)
}

func TestAnnouncesToRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	provider, err := registry.DialRedis(context.Background(), mr.Addr(), "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer provider.Close()

	cfg := testNodeConfig(t)
	cfg.AdvertiseAddress = "10.0.0.5:8888"
	n, err := New(cfg, testCipher(t), fixedSampler{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	n.SetAnnouncer(provider)
	require.NoError(t, n.Start(context.Background()))

	assert.Eventually(t, func() bool {
		peers, err := provider.Peers(context.Background())
		return err == nil && len(peers) == 1 && peers[0].Address == "10.0.0.5"
	}, 2*time.Second, 20*time.Millisecond)

	// A flushed registry is repopulated on the next beat.
	mr.FlushAll()
	assert.Eventually(t, func() bool {
		peers, err := provider.Peers(context.Background())
		return err == nil && len(peers) == 1
	}, 2*time.Second, 20*time.Millisecond)

	n.Stop()
	peers, err := provider.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

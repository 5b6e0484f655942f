package syncsvc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"meshdeploy/pkg/knowledge"
)

func startServer(t *testing.T, store *knowledge.Store) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterKnowledgeSyncServer(srv, NewServer(store, zaptest.NewLogger(t)))

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })

	c := NewClient(cc, "bufnet", zaptest.NewLogger(t))
	c.Timeout = 2 * time.Second
	return c
}

func TestSyncConvergesRoots(t *testing.T) {
	remote := knowledge.NewStore(nil)
	require.NoError(t, remote.Add("shared", "remote"))
	require.NoError(t, remote.Add("r", []any{1, 2.5, "x"}))

	local := knowledge.NewStore(nil)
	require.NoError(t, local.Add("shared", "local"))
	require.NoError(t, local.Add("l", map[string]any{"nested": map[string]any{"ok": true}}))

	client := startServer(t, remote)
	ctx := context.Background()

	res, err := client.Sync(ctx, local)
	require.NoError(t, err)
	assert.False(t, res.InSync)
	assert.Equal(t, []string{"shared"}, res.Conflicts)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, remote.RootHash(), local.RootHash())

	// The serving store keeps its value under the default policy.
	v, _ := local.Get("shared")
	assert.Equal(t, "remote", v)

	res, err = client.Sync(ctx, local)
	require.NoError(t, err)
	assert.True(t, res.InSync)

	at, err := client.LastExchange(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, 5*time.Second)
}

func TestSyncRemoteKeepRemotePolicy(t *testing.T) {
	remote := knowledge.NewStore(nil)
	remote.SetPolicy(knowledge.KeepRemote)
	require.NoError(t, remote.Add("k", "server"))

	local := knowledge.NewStore(nil)
	require.NoError(t, local.Add("k", "caller"))

	client := startServer(t, remote)
	_, err := client.Sync(context.Background(), local)
	require.NoError(t, err)

	v, _ := remote.Get("k")
	assert.Equal(t, "caller", v)
	assert.Equal(t, remote.RootHash(), local.RootHash())
}

func TestSyncSameValueUnderDifferentKeys(t *testing.T) {
	remote := knowledge.NewStore(nil)
	require.NoError(t, remote.Add("alpha", "same"))
	local := knowledge.NewStore(nil)
	require.NoError(t, local.Add("beta", "same"))
	require.Equal(t, remote.RootHash(), local.RootHash())

	client := startServer(t, remote)
	res, err := client.Sync(context.Background(), local)
	require.NoError(t, err)
	assert.False(t, res.InSync)
	assert.Equal(t, []string{"alpha", "beta"}, local.Keys())
	assert.Equal(t, []string{"alpha", "beta"}, remote.Keys())
	assert.Equal(t, remote.RootHash(), local.RootHash())
}

func TestSyncConflictBehindEqualRoots(t *testing.T) {
	remote := knowledge.NewStore(nil)
	require.NoError(t, remote.Add("k1", 1))
	require.NoError(t, remote.Add("k2", 2))
	local := knowledge.NewStore(nil)
	require.NoError(t, local.Add("k2", 1))
	require.NoError(t, local.Add("k3", 2))

	client := startServer(t, remote)
	res, err := client.Sync(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, res.Conflicts)
	assert.Equal(t, []string{"k1", "k2", "k3"}, local.Keys())

	v, _ := local.Get("k2")
	assert.Equal(t, float64(2), v)
	assert.Equal(t, remote.RootHash(), local.RootHash())
}

func TestDigestCarriesKeyDigest(t *testing.T) {
	remote := knowledge.NewStore(nil)
	require.NoError(t, remote.Add("a", 1))
	client := startServer(t, remote)

	d, err := client.Digest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remote.RootHash(), d.Root)
	assert.Equal(t, remote.KeyDigest(), d.Keys)
	assert.Equal(t, 1, d.Count)
}

func TestRemoteRoot(t *testing.T) {
	remote := knowledge.NewStore(nil)
	require.NoError(t, remote.Add("a", 1))
	client := startServer(t, remote)

	root, count, err := client.RemoteRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remote.RootHash(), root)
	assert.Equal(t, 1, count)
}

func TestLastExchangeBeforeAnyExchange(t *testing.T) {
	client := startServer(t, knowledge.NewStore(nil))
	_, err := client.LastExchange(context.Background())
	assert.Error(t, err)
}

func TestExchangeRejectsMalformedEntries(t *testing.T) {
	srv := NewServer(knowledge.NewStore(nil), nil)
	in, err := structpb.NewStruct(map[string]any{"entries": "not an object"})
	require.NoError(t, err)

	_, err = srv.Exchange(context.Background(), in)
	assert.Error(t, err)
}

package knowledge

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshdeploy/pkg/merkle"
	"meshdeploy/pkg/metrics"
)

func TestAddGet(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	assert.Equal(t, "", s.RootHash())

	require.NoError(t, s.Add("model", map[string]any{"version": 2, "name": "net"}))
	got, ok := s.Get("model")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"version": float64(2), "name": "net"}, got)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	assert.Error(t, s.Add("", 1))
	assert.Error(t, s.Add("bad", make(chan int)))
	assert.Equal(t, 1, s.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add("k", map[string]any{"a": 1}))

	v, _ := s.Get("k")
	v.(map[string]any)["a"] = 99

	again, _ := s.Get("k")
	assert.Equal(t, float64(1), again.(map[string]any)["a"])
}

func TestGetInto(t *testing.T) {
	type model struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	s := NewStore(nil)
	require.NoError(t, s.Add("m", model{Name: "net", Version: 3}))

	var out model
	ok, err := s.GetInto("m", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model{Name: "net", Version: 3}, out)
}

func TestRootIsPureFunctionOfMapping(t *testing.T) {
	a := NewStore(nil)
	b := NewStore(nil)

	require.NoError(t, a.Add("x", 1))
	require.NoError(t, a.Add("y", map[string]any{"b": 2, "a": 1}))
	require.NoError(t, b.Add("y", map[string]any{"a": 1, "b": 2}))
	require.NoError(t, b.Add("x", 1))
	assert.Equal(t, a.RootHash(), b.RootHash())

	require.NoError(t, b.Add("x", 2))
	assert.NotEqual(t, a.RootHash(), b.RootHash())
}

func TestRootMatchesSortedLeaves(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add("b", "second"))
	require.NoError(t, s.Add("a", "first"))

	want := merkle.Build([][]byte{[]byte(`"first"`), []byte(`"second"`)}).RootHash()
	assert.Equal(t, want, s.RootHash())
	assert.Equal(t, []string{"a", "b"}, s.Keys())
}

func TestReconcileDisjointStores(t *testing.T) {
	a := NewStore(zaptest.NewLogger(t))
	b := NewStore(zaptest.NewLogger(t))
	require.NoError(t, a.Add("a1", 1))
	require.NoError(t, a.Add("a2", 2))
	require.NoError(t, b.Add("b1", "x"))

	conflicts := a.Reconcile(b)
	assert.Empty(t, conflicts)
	assert.Equal(t, a.RootHash(), b.RootHash())
	assert.Equal(t, []string{"a1", "a2", "b1"}, a.Keys())
	assert.Equal(t, []string{"a1", "a2", "b1"}, b.Keys())
}

func TestReconcileSameValueUnderDifferentKeys(t *testing.T) {
	a := NewStore(zaptest.NewLogger(t))
	b := NewStore(zaptest.NewLogger(t))
	require.NoError(t, a.Add("alpha", "same"))
	require.NoError(t, b.Add("beta", "same"))
	require.Equal(t, a.RootHash(), b.RootHash())
	require.NotEqual(t, a.KeyDigest(), b.KeyDigest())

	assert.Empty(t, a.Reconcile(b))
	assert.Equal(t, []string{"alpha", "beta"}, a.Keys())
	assert.Equal(t, []string{"alpha", "beta"}, b.Keys())
	assert.Equal(t, a.RootHash(), b.RootHash())
	assert.Equal(t, a.KeyDigest(), b.KeyDigest())
}

func TestReconcileConflictBehindEqualRoots(t *testing.T) {
	for _, tc := range []struct {
		policy ConflictPolicy
		want   float64
	}{
		{KeepLocal, 2},
		{KeepRemote, 1},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			a := NewStore(nil)
			b := NewStore(nil)
			a.SetPolicy(tc.policy)
			require.NoError(t, a.Add("k1", 1))
			require.NoError(t, a.Add("k2", 2))
			require.NoError(t, b.Add("k2", 1))
			require.NoError(t, b.Add("k3", 2))
			require.Equal(t, a.RootHash(), b.RootHash())

			assert.Equal(t, []string{"k2"}, a.Reconcile(b))
			assert.Equal(t, []string{"k1", "k2", "k3"}, a.Keys())
			assert.Equal(t, []string{"k1", "k2", "k3"}, b.Keys())
			assert.Equal(t, a.RootHash(), b.RootHash())

			va, _ := a.Get("k2")
			vb, _ := b.Get("k2")
			assert.Equal(t, tc.want, va)
			assert.Equal(t, tc.want, vb)
		})
	}
}

func TestMergeSameValueUnderDifferentKeys(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add("alpha", "same"))

	conflicts, err := s.Merge(map[string]any{"beta": "same"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, []string{"alpha", "beta"}, s.Keys())

	conflicts, err = s.Merge(map[string]any{"alpha": "same", "beta": "same"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, 2, s.Len())
}

func TestKeyDigest(t *testing.T) {
	s := NewStore(nil)
	assert.Equal(t, "", s.KeyDigest())
	require.NoError(t, s.Add("ab", 1))
	require.NoError(t, s.Add("c", 1))

	other := NewStore(nil)
	require.NoError(t, other.Add("a", 1))
	require.NoError(t, other.Add("bc", 1))
	assert.NotEqual(t, s.KeyDigest(), other.KeyDigest())

	root, keys := s.Digest()
	assert.Equal(t, s.RootHash(), root)
	assert.Equal(t, s.KeyDigest(), keys)
}

func TestReconcileConflictPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy ConflictPolicy
		want   any
	}{
		{KeepLocal, "local"},
		{KeepRemote, "remote"},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			a := NewStore(nil)
			b := NewStore(nil)
			a.SetPolicy(tc.policy)
			require.NoError(t, a.Add("shared", "local"))
			require.NoError(t, a.Add("same", 1))
			require.NoError(t, b.Add("shared", "remote"))
			require.NoError(t, b.Add("same", 1))

			conflicts := a.Reconcile(b)
			assert.Equal(t, []string{"shared"}, conflicts)

			va, _ := a.Get("shared")
			vb, _ := b.Get("shared")
			assert.Equal(t, tc.want, va)
			assert.Equal(t, tc.want, vb)
			assert.Equal(t, a.RootHash(), b.RootHash())
		})
	}
}

func TestReconcileEqualRootsIsNoop(t *testing.T) {
	a := NewStore(nil)
	b := NewStore(nil)
	require.NoError(t, a.Add("k", 1))
	require.NoError(t, b.Add("k", 1))

	assert.Nil(t, a.Reconcile(b))
	assert.Nil(t, a.Reconcile(a))
	assert.Nil(t, a.Reconcile(nil))
}

func TestConcurrentReconcileDoesNotDeadlock(t *testing.T) {
	a := NewStore(nil)
	b := NewStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = a.Add(fmt.Sprintf("a%d", i), i)
			a.Reconcile(b)
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = b.Add(fmt.Sprintf("b%d", i), i)
			b.Reconcile(a)
		}(i)
	}
	wg.Wait()

	a.Reconcile(b)
	assert.Equal(t, 100, a.Len())
	assert.Equal(t, a.RootHash(), b.RootHash())
}

func TestMergeAndReplace(t *testing.T) {
	server := NewStore(nil)
	require.NoError(t, server.Add("shared", "server"))
	require.NoError(t, server.Add("s", 1))

	conflicts, err := server.Merge(map[string]any{"shared": "client", "c": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, conflicts)

	client := NewStore(nil)
	require.NoError(t, client.Replace(server.Snapshot()))
	assert.Equal(t, server.RootHash(), client.RootHash())

	v, _ := client.Get("shared")
	assert.Equal(t, "server", v)

	conflicts, err = server.Merge(client.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestProofAndVerify(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(fmt.Sprintf("k%d", i), map[string]any{"n": i}))
	}

	assert.True(t, s.Verify("k3", map[string]any{"n": 3}))
	assert.False(t, s.Verify("k3", map[string]any{"n": 4}))
	assert.False(t, s.Verify("nope", 1))

	_, _, err := s.Proof("nope")
	assert.Error(t, err)
}

func TestMetricsTrackReconciles(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := NewStore(nil)
	b := NewStore(nil)
	a.SetMetrics(m)

	require.NoError(t, a.Add("k", "a"))
	require.NoError(t, b.Add("k", "b"))
	a.Reconcile(b)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.KnowledgeEntries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Reconciles))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReconcileConflicts))
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, KeepLocal, p)

	p, err = ParseConflictPolicy("keep_remote")
	require.NoError(t, err)
	assert.Equal(t, KeepRemote, p)

	_, err = ParseConflictPolicy("newest")
	assert.Error(t, err)
}

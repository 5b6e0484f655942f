package syncsvc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"meshdeploy/pkg/knowledge"
	"meshdeploy/pkg/types"
)

// Client drives reconciliation against a remote Server.
type Client struct {
	cc     *grpc.ClientConn
	client KnowledgeSyncClient
	target string
	logger *zap.Logger

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

// Result describes one Sync call.
type Result struct {
	InSync    bool     // roots already matched, nothing exchanged
	Root      string   // root both sides hold afterwards
	Conflicts []string // keys resolved by the remote policy
	Entries   int
}

// Dial connects to target. opts are appended to the default insecure
// transport credentials, e.g. an auth interceptor.
func Dial(target string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, types.NetworkError("knowledge dial", target, err)
	}
	c := NewClient(cc, target, logger)
	c.Timeout = timeout
	return c, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of cc.
func NewClient(cc grpc.ClientConnInterface, target string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{client: NewKnowledgeSyncClient(cc), target: target, logger: logger}
	if conn, ok := cc.(*grpc.ClientConn); ok {
		c.cc = conn
	}
	return c
}

func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(parent, c.Timeout)
	}
	return context.WithCancel(parent)
}

// RemoteDigest summarizes the remote store.
type RemoteDigest struct {
	Root  string
	Keys  string // knowledge.Store.KeyDigest of the remote
	Count int
}

func (c *Client) Digest(ctx context.Context) (RemoteDigest, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	d, err := c.client.Digest(ctx, &emptypb.Empty{})
	if err != nil {
		return RemoteDigest{}, types.NetworkError("knowledge digest", c.target, err)
	}
	fields := d.GetFields()
	return RemoteDigest{
		Root:  fields[fieldRoot].GetStringValue(),
		Keys:  fields[fieldKeys].GetStringValue(),
		Count: int(fields[fieldCount].GetNumberValue()),
	}, nil
}

// RemoteRoot fetches the remote root hash and entry count.
func (c *Client) RemoteRoot(ctx context.Context) (string, int, error) {
	d, err := c.Digest(ctx)
	if err != nil {
		return "", 0, err
	}
	return d.Root, d.Count, nil
}

// Sync reconciles store with the remote store. The remote side merges first
// and the merged state replaces the local contents. Local writes racing with
// Sync may be overwritten.
func (c *Client) Sync(ctx context.Context, store *knowledge.Store) (Result, error) {
	remote, err := c.Digest(ctx)
	if err != nil {
		return Result{}, err
	}
	localRoot, localKeys := store.Digest()
	// Roots cover values only; the key digest rules out equal values filed
	// under different keys.
	if remote.Root == localRoot && remote.Keys == localKeys {
		return Result{InSync: true, Root: localRoot, Entries: store.Len()}, nil
	}

	req, err := encodeState(localRoot, store.Snapshot(), nil)
	if err != nil {
		return Result{}, err
	}

	rctx, cancel := c.ctx(ctx)
	defer cancel()
	resp, err := c.client.Exchange(rctx, req)
	if err != nil {
		return Result{}, types.NetworkError("knowledge exchange", c.target, err)
	}

	merged, err := entriesField(resp)
	if err != nil {
		return Result{}, types.ProtocolError("knowledge exchange", c.target, err)
	}
	if err := store.Replace(merged); err != nil {
		return Result{}, types.ProtocolError("knowledge exchange", c.target, err)
	}

	want := resp.GetFields()[fieldRoot].GetStringValue()
	if got := store.RootHash(); got != want {
		return Result{}, types.IntegrityError("knowledge exchange", c.target,
			fmt.Errorf("root mismatch after merge: local %s remote %s", got, want))
	}

	res := Result{
		Root:      want,
		Conflicts: conflictsField(resp),
		Entries:   store.Len(),
	}
	c.logger.Info("Knowledge synchronized",
		zap.String("peer", c.target),
		zap.Int("entries", res.Entries),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.String("root", res.Root))
	return res, nil
}

// LastExchange reports when the remote last served an exchange.
func (c *Client) LastExchange(ctx context.Context) (time.Time, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	ts, err := c.client.LastExchange(ctx, &emptypb.Empty{})
	if err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

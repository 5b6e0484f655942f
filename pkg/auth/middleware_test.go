package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestTokenIsDeterministicPerKey(t *testing.T) {
	assert.Equal(t, Token(testKey), Token(testKey))
	assert.NotEqual(t, Token(testKey), Token([]byte("another key of the same length!!")))
	assert.Len(t, Token(testKey), 64)
}

func callServer(t *testing.T, ai *Interceptor, md metadata.MD) error {
	t.Helper()
	ctx := context.Background()
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}
	called := false
	_, err := ai.UnaryServerInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/test/Method"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			called = true
			return nil, nil
		})
	assert.Equal(t, err == nil, called)
	return err
}

func TestServerInterceptor(t *testing.T) {
	ai := NewInterceptor(testKey, zaptest.NewLogger(t))

	require.NoError(t, callServer(t, ai, metadata.Pairs(TokenMetadataKey, "Bearer "+Token(testKey))))

	for name, md := range map[string]metadata.MD{
		"no metadata":  nil,
		"no header":    metadata.Pairs("other", "x"),
		"no bearer":    metadata.Pairs(TokenMetadataKey, Token(testKey)),
		"wrong token":  metadata.Pairs(TokenMetadataKey, "Bearer "+Token([]byte("wrong"))),
		"empty bearer": metadata.Pairs(TokenMetadataKey, "Bearer "),
	} {
		err := callServer(t, ai, md)
		assert.Equal(t, codes.Unauthenticated, status.Code(err), name)
	}
}

func TestClientInterceptorAttachesToken(t *testing.T) {
	ai := NewInterceptor(testKey, nil)
	var got []string
	err := ai.UnaryClientInterceptor()(context.Background(), "/test/Method", nil, nil, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			md, _ := metadata.FromOutgoingContext(ctx)
			got = md.Get(TokenMetadataKey)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer " + Token(testKey)}, got)
}

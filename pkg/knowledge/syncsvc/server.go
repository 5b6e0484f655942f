// Package syncsvc reconciles knowledge stores that live in different
// processes over gRPC.
package syncsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"meshdeploy/pkg/knowledge"
)

const (
	fieldRoot      = "root"
	fieldKeys      = "keys"
	fieldCount     = "count"
	fieldEntries   = "entries"
	fieldConflicts = "conflicts"
)

// Server exposes a knowledge.Store. The served store is the local side of
// every exchange, so its conflict policy decides disputed keys.
type Server struct {
	UnimplementedKnowledgeSyncServer

	store  *knowledge.Store
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

func NewServer(store *knowledge.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, logger: logger}
}

func (s *Server) Digest(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing knowledge store")
	}
	root, keys := s.store.Digest()
	return structpb.NewStruct(map[string]any{
		fieldRoot:  root,
		fieldKeys:  keys,
		fieldCount: s.store.Len(),
	})
}

func (s *Server) Exchange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing knowledge store")
	}
	entries, err := entriesField(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	conflicts, err := s.store.Merge(entries)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()

	s.logger.Info("Knowledge exchange served",
		zap.Int("received", len(entries)),
		zap.Int("conflicts", len(conflicts)),
		zap.String("root", s.store.RootHash()))

	out, err := encodeState(s.store.RootHash(), s.store.Snapshot(), conflicts)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) LastExchange(ctx context.Context, _ *emptypb.Empty) (*timestamppb.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() {
		return nil, status.Error(codes.NotFound, "no exchange served yet")
	}
	return timestamppb.New(s.last), nil
}

func encodeState(root string, entries map[string]any, conflicts []string) (*structpb.Struct, error) {
	fields := map[string]any{
		fieldRoot:    root,
		fieldEntries: entries,
	}
	if conflicts != nil {
		list := make([]any, len(conflicts))
		for i, k := range conflicts {
			list[i] = k
		}
		fields[fieldConflicts] = list
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode knowledge state: %w", err)
	}
	return st, nil
}

func entriesField(in *structpb.Struct) (map[string]any, error) {
	v, ok := in.GetFields()[fieldEntries]
	if !ok {
		return map[string]any{}, nil
	}
	switch v.GetKind().(type) {
	case *structpb.Value_StructValue:
		return v.GetStructValue().AsMap(), nil
	case *structpb.Value_NullValue:
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("%s must be an object", fieldEntries)
}

func conflictsField(in *structpb.Struct) []string {
	list := in.GetFields()[fieldConflicts].GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

package admin

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"gossipnode/internal/node"
)

const (
	serviceName = "gossipnode.Admin"
	// SnapshotMethod is the full method name of the Snapshot RPC.
	SnapshotMethod = "/" + serviceName + "/Snapshot"
)

// AdminServer is the server API for the gossipnode.Admin service.
type AdminServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Snapshot",
			Handler:    snapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gossipnode/admin",
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SnapshotMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Snapshotter is the view of the node the admin service needs.
type Snapshotter interface {
	Snapshot(ctx context.Context) (node.Snapshot, error)
}

// Server implements the admin gRPC service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	source     Snapshotter
	log        *zap.Logger
}

var _ AdminServer = (*Server)(nil)

// NewServer creates an admin server reading state from source.
func NewServer(source Snapshotter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		source:     source,
		log:        log,
	}

	s.grpcServer.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	// Enable gRPC reflection for grpcurl
	reflection.Register(s.grpcServer)
	return s
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	s.log.Info("admin server listening", zap.String("addr", lis.Addr().String()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("admin serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return nil
	})
	return group.Wait()
}

// Shutdown flips every health status to NOT_SERVING, e.g. once the node
// event loop has stopped.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Snapshot returns the node state.
func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.source.Snapshot(ctx)
	switch {
	case errors.Is(err, node.ErrNotRunning):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}

	out, err := SnapshotToStruct(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// SnapshotToStruct converts a node snapshot to its protobuf form.
func SnapshotToStruct(snap node.Snapshot) (*structpb.Struct, error) {
	seen := make(map[string]interface{}, len(snap.Seen))
	for neighbor, values := range snap.Seen {
		seen[neighbor] = intList(values)
	}
	topology := make(map[string]interface{}, len(snap.Topology))
	for id, neighbors := range snap.Topology {
		topology[id] = stringList(neighbors)
	}
	return structpb.NewStruct(map[string]interface{}{
		"node_id":   snap.NodeID,
		"node_ids":  stringList(snap.NodeIDs),
		"state":     snap.State.String(),
		"values":    intList(snap.Values),
		"neighbors": stringList(snap.Neighbors),
		"topology":  topology,
		"seen":      seen,
	})
}

// FetchSnapshot calls the Snapshot RPC over conn.
func FetchSnapshot(ctx context.Context, conn grpc.ClientConnInterface) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, SnapshotMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func intList(vs []int) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func stringList(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/services"
	"github.com/ariastack/aria-engine/internal/utils"
)

// InvestigatorServiceName is the fully qualified gRPC service name.
const InvestigatorServiceName = "aria.v1.IncidentInvestigator"

const investigateMethod = "/" + InvestigatorServiceName + "/Investigate"

// InvestigatorServer streams pipeline events for one alert. Alerts and events
// travel as google.protobuf.Struct using the same JSON shape as the HTTP API.
type InvestigatorServer interface {
	Investigate(alert *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var investigatorServiceDesc = grpc.ServiceDesc{
	ServiceName: InvestigatorServiceName,
	HandlerType: (*InvestigatorServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Investigate",
			Handler:       investigateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "aria/v1/investigator.proto",
}

func investigateHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InvestigatorServer).Investigate(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RegisterInvestigatorServer registers impl on s.
func RegisterInvestigatorServer(s grpc.ServiceRegistrar, impl InvestigatorServer) {
	s.RegisterService(&investigatorServiceDesc, impl)
}

type investigator struct {
	svc    *services.IncidentService
	logger *slog.Logger
}

// NewInvestigator adapts the incident service to the gRPC contract.
func NewInvestigator(svc *services.IncidentService, logger *slog.Logger) InvestigatorServer {
	return &investigator{svc: svc, logger: utils.Component(logger, "grpc")}
}

func (i *investigator) Investigate(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	alert, err := AlertFromStruct(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, utils.PublicMessage(err))
	}

	var sendErr error
	_, err = i.svc.Investigate(context.WithoutCancel(stream.Context()), alert, func(ev models.PipelineEvent) {
		if sendErr != nil {
			return
		}
		msg, err := EventToStruct(ev)
		if err != nil {
			sendErr = err
			return
		}
		sendErr = stream.Send(msg)
	})
	if errors.Is(err, services.ErrInvalidAlert) {
		return status.Error(codes.InvalidArgument, utils.PublicMessage(err))
	}
	if sendErr != nil {
		i.logger.Debug("stream closed before run finished", slog.String("incident", alert.IncidentID), slog.Any("error", sendErr))
	}
	return nil
}

// InvestigateRemote calls Investigate on conn and hands every received event
// to emit until the server closes the stream.
func InvestigateRemote(ctx context.Context, conn grpc.ClientConnInterface, alert models.Alert, emit func(models.PipelineEvent)) error {
	req, err := AlertToStruct(alert)
	if err != nil {
		return err
	}
	stream, err := conn.NewStream(ctx, &investigatorServiceDesc.Streams[0], investigateMethod)
	if err != nil {
		return fmt.Errorf("open investigate stream: %w", err)
	}
	client := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := client.SendMsg(req); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	if err := client.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}
	for {
		msg, err := client.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		ev, err := EventFromStruct(msg)
		if err != nil {
			return err
		}
		emit(ev)
	}
}

// GRPCServer wraps the gRPC server and its lifecycle helpers.
type GRPCServer struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewGRPCServer constructs a gRPC server bound to the configured gRPC address.
func NewGRPCServer(cfg config.ServerConfig, impl InvestigatorServer, opts ...grpc.ServerOption) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}
	return newGRPCServer(cfg, lis, impl, opts...), nil
}

func newGRPCServer(cfg config.ServerConfig, lis net.Listener, impl InvestigatorServer, opts ...grpc.ServerOption) *GRPCServer {
	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	RegisterInvestigatorServer(grpcServer, impl)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(InvestigatorServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)

	return &GRPCServer{cfg: cfg, grpcServer: grpcServer, listener: lis}
}

// Start serves incoming gRPC requests until Shutdown is invoked.
func (s *GRPCServer) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown attempts a graceful shutdown, falling back to Stop when ctx ends.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address.
func (s *GRPCServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// DefaultGracefulTimeout bounds GracefulStop when the config leaves it unset.
const DefaultGracefulTimeout = 10 * time.Second

// GracefulTimeout returns how long Shutdown should wait for in-flight
// streams before forcing Stop.
func (s *GRPCServer) GracefulTimeout() time.Duration {
	if s.cfg.GracefulTimeout <= 0 {
		return DefaultGracefulTimeout
	}
	return s.cfg.GracefulTimeout
}

// Package server is the remote ingest point: a gRPC service that places
// messages on bus channels for producers outside the process, such as
// beamline control software or `mxflow send --remote`.
//
// The service is described by hand rather than generated. Requests and
// replies are google.protobuf.Struct values, so any gRPC client can call
// it with the well-known types alone.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mxflow.v1.Ingest"

const (
	methodSend  = "/" + ServiceName + "/Send"
	methodStats = "/" + ServiceName + "/Stats"
)

// IngestServer is the server side of the ingest service.
//
// Send takes {channel, payload, header?, delay_seconds?, recipe?} and
// returns {accepted: true, channel}. payload may be any JSON value. recipe
// marks a payload that is a recipe envelope.
type IngestServer interface {
	Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// StatsFunc reports the state of the bus.
type StatsFunc func() bus.Stats

// Server implements IngestServer on top of a transport.
type Server struct {
	transport bus.Transport
	stats     StatsFunc
}

// New returns a server publishing through t. stats may be nil.
func New(t bus.Transport, stats StatsFunc) *Server {
	return &Server{transport: t, stats: stats}
}

// Send publishes one message.
func (s *Server) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	channel := fields["channel"].GetStringValue()
	if channel == "" {
		return nil, status.Error(codes.InvalidArgument, "channel is required")
	}
	payload, ok := fields["payload"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	body, err := payload.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}

	opts := bus.SendOptions{Header: map[string]string{}}
	for k, v := range fields["header"].GetStructValue().GetFields() {
		opts.Header[k] = v.GetStringValue()
	}
	if fields["recipe"].GetBoolValue() {
		opts.Header[recipe.HeaderRecipe] = "true"
	}
	if d := fields["delay_seconds"].GetNumberValue(); d > 0 {
		opts.Delay = time.Duration(d * float64(time.Second))
	}

	if err := s.transport.Send(ctx, channel, json.RawMessage(body), opts); err != nil {
		log.Warn("ingest send failed", "channel", channel, "error", err)
		return nil, toStatus(err)
	}
	log.Info("message ingested", "channel", channel, "bytes", len(body), "delay", opts.Delay)
	return structpb.NewStruct(map[string]any{"accepted": true, "channel": channel})
}

// Stats returns the bus statistics.
func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unimplemented, "transport has no statistics")
	}
	raw, err := json.Marshal(s.stats())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, bus.ErrInvalidChannel), errors.Is(err, bus.ErrInvalidBody):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, bus.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Service registration
// ============================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mxflow/v1/ingest.proto",
}

// Register adds srv to a gRPC server.
func Register(g grpc.ServiceRegistrar, srv IngestServer) {
	g.RegisterService(&serviceDesc, srv)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServer).Send(ctx, req.(*structpb.Struct))
	})
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStats}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServer).Stats(ctx, req.(*emptypb.Empty))
	})
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log.Debug("grpc call", "method", info.FullMethod, "code", status.Code(err).String(), "elapsed", time.Since(start))
	return resp, err
}

// ============================================================================
// Client
// ============================================================================

// Client calls a remote ingest service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Message is one message to ingest.
type Message struct {
	Channel string
	Payload any
	Header  map[string]string
	Delay   time.Duration
	// Recipe marks Payload as a recipe envelope.
	Recipe bool
}

// Send publishes m on the remote bus.
func (c *Client) Send(ctx context.Context, m Message) error {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	header := make(map[string]any, len(m.Header))
	for k, v := range m.Header {
		header[k] = v
	}
	req, err := structpb.NewStruct(map[string]any{
		"channel":       m.Channel,
		"payload":       payload,
		"header":        header,
		"delay_seconds": m.Delay.Seconds(),
		"recipe":        m.Recipe,
	})
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	return c.cc.Invoke(ctx, methodSend, req, out)
}

// Stats fetches the remote bus statistics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStats, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

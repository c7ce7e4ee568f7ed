package endpoint

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/sectionmesh/sectiond/common/log"
	"github.com/sectionmesh/sectiond/internal/node"
)

// Control is the node's control-plane surface: health checks and a status
// query, served over gRPC rather than the UDP section-traffic socket, per
// the transport split this package draws between the two (§5's control API).
//
// Standard protobuf code generation isn't run here, so Status is served
// through a hand-written grpc.ServiceDesc paired with a msgpack
// encoding.Codec instead of the usual generated protobuf messages: gRPC is
// wire-format agnostic by design (google.golang.org/grpc/encoding), and
// common/wire already settled on msgpack for exactly this reason.
type Control struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

const serviceName = "sectiond.Control"

// ControlServer is the interface a status provider implements;
// nodeControlServer adapts *node.Node to it via Snapshot.
type ControlServer interface {
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

// StatusRequest carries no fields; reserved for future filtering.
type StatusRequest struct{}

// StatusResponse mirrors node.Snapshot over the wire.
type StatusResponse struct {
	Stage      string `msgpack:"stage"`
	Prefix     string `msgpack:"prefix"`
	ElderCount int    `msgpack:"elder_count"`
	Age        uint8  `msgpack:"age"`
	JoinError  string `msgpack:"join_error,omitempty"`
}

// nodeControlServer adapts *node.Node to ControlServer.
type nodeControlServer struct {
	n *node.Node
}

func (s *nodeControlServer) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	snap := s.n.Snapshot()
	resp := &StatusResponse{
		Stage:      snap.Stage.String(),
		Prefix:     snap.Prefix,
		ElderCount: snap.ElderCount,
		Age:        snap.Age,
	}
	if snap.JoinError != nil {
		resp.JoinError = snap.JoinError.Error()
	}
	return resp, nil
}

// NewControl starts the control-plane gRPC server at addr, exposing the
// standard grpc_health_v1 health service and a Status RPC backed by n.
func NewControl(addr string, n *node.Node, logger log.Logger) (*Control, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen control plane on %q: %w", addr, err)
	}

	srv := grpc.NewServer()

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	RegisterControlServer(srv, &nodeControlServer{n: n})
	reflection.Register(srv)

	c := &Control{grpcServer: srv, health: healthSrv, listener: lis}
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Debugw("endpoint: control server stopped", "err", err)
		}
	}()
	return c, nil
}

// Addr is the address the control plane actually bound to.
func (c *Control) Addr() string {
	return c.listener.Addr().String()
}

// Stop gracefully shuts the control server down.
func (c *Control) Stop() {
	c.health.Shutdown()
	c.grpcServer.GracefulStop()
}

// MetricsServer is a plain HTTP /metrics listener, kept off the gRPC
// control port the way the teacher's metrics.Start runs its own dedicated
// listener rather than folding Prometheus scraping into the RPC surface.
type MetricsServer struct {
	srv *http.Server
}

// ServeMetrics starts an HTTP server at addr exposing every registry passed
// in (typically internal/node.Registry and internal/endpoint.Registry)
// under /metrics.
func ServeMetrics(addr string, registries ...*prometheus.Registry) (*MetricsServer, error) {
	gatherers := make(prometheus.Gatherers, len(registries))
	for i, r := range registries {
		gatherers[i] = r
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen metrics on %q: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(lis) }()
	return &MetricsServer{srv: srv}, nil
}

// Stop shuts the metrics HTTP server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// --- hand-written gRPC plumbing for the Status RPC (no protoc involved) ---

const msgpackCodecName = "msgpack"

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
func (msgpackCodec) Name() string { return msgpackCodecName }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

func controlStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: controlStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/endpoint/control.go",
}

// RegisterControlServer wires srv's Status method into s under the
// sectiond.Control service name.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// ControlClient is the caller side of ControlServer.
type ControlClient interface {
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type controlClient struct {
	cc *grpc.ClientConn
}

// NewControlClient wraps an established connection to a node's control
// plane. Callers dial with grpc.Dial(addr, grpc.WithTransportCredentials(...))
// as usual; only the wire codec for this one service differs from the
// protobuf default.
func NewControlClient(cc *grpc.ClientConn) ControlClient {
	return &controlClient{cc: cc}
}

func (c *controlClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	opts = append(opts, grpc.CallContentSubtype(msgpackCodecName))
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Status", in, out, opts...); err != nil {
		return nil, fmt.Errorf("endpoint: status RPC: %w", err)
	}
	return out, nil
}

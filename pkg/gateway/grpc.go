package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/newsfeed-gateway/pkg/metrics"
	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

// ServiceName is the gRPC service name, also used for health checks.
const ServiceName = "newsfeed.v1.NewsFeed"

const fetchMethod = "/" + ServiceName + "/Fetch"

// NewsFeedServer is the server API for the NewsFeed service. Messages are
// google.protobuf.Struct so clients need no generated stubs.
type NewsFeedServer interface {
	Fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var newsFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NewsFeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Fetch",
			Handler:    fetchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "newsfeed/v1/newsfeed.proto",
}

func fetchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NewsFeedServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fetchMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NewsFeedServer).Fetch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCHandler implements NewsFeedServer and keeps the health status in step
// with the key pool.
type GRPCHandler struct {
	svc    *Service
	health *health.Server
	logger *zap.Logger
}

// NewGRPCHandler creates a new gRPC handler.
func NewGRPCHandler(svc *Service, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		svc:    svc,
		health: health.NewServer(),
		logger: logger,
	}
}

// Register adds the NewsFeed and health services to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&newsFeedServiceDesc, h)
	healthpb.RegisterHealthServer(s, h.health)
	h.RefreshHealth()
}

// RefreshHealth reports SERVING while at least one API key is usable.
func (h *GRPCHandler) RefreshHealth() {
	st := healthpb.HealthCheckResponse_SERVING
	if !h.svc.Healthy() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, st)
	h.health.SetServingStatus("", st)
}

// WatchHealth refreshes the health status every interval until ctx ends, so
// keys returning from cooldown flip the status back without traffic.
func (h *GRPCHandler) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RefreshHealth()
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}

// Fetch handles a unary fetch request.
func (h *GRPCHandler) Fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	res, err := h.svc.Fetch(ctx, queryFromStruct(req))
	h.RefreshHealth()

	code := grpcCodeForError(err)
	metrics.RequestsTotal.WithLabelValues("grpc", fetchMethod, code.String()).Inc()
	metrics.RequestLatency.WithLabelValues("grpc", fetchMethod).Observe(time.Since(start).Seconds())

	if err != nil {
		if code == codes.Unavailable || code == codes.Internal {
			h.logger.Error("grpc fetch failed", zap.Error(err))
		}
		return nil, status.Error(code, publicMessage(err))
	}

	out, err := resultToStruct(res)
	if err != nil {
		h.logger.Error("encoding grpc response", zap.Error(err))
		return nil, status.Error(codes.Internal, "encoding response")
	}
	return out, nil
}

func queryFromStruct(req *structpb.Struct) newsapi.Query {
	fields := req.GetFields()
	str := func(name string) string {
		v, ok := fields[name]
		if !ok {
			return ""
		}
		if n, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
			return fmt.Sprintf("%.0f", n.NumberValue)
		}
		return v.GetStringValue()
	}

	return newsapi.Query{
		Endpoint: str("endpoint"),
		Q:        str("q"),
		Category: str("category"),
		Country:  str("country"),
		Language: str("language"),
		Page:     str("page"),
	}
}

func resultToStruct(res FetchResult) (*structpb.Struct, error) {
	articles := make([]newsapi.NormalizedArticle, len(res.Page.Articles))
	for i, a := range res.Page.Articles {
		articles[i] = a.Normalize()
	}

	// Round-trip through JSON so structpb only sees JSON-shaped values.
	raw, err := json.Marshal(newsResponse{
		Success:      true,
		Articles:     articles,
		NextPage:     res.Page.NextPage,
		TotalResults: res.Page.TotalResults,
		Cached:       res.Cached,
	})
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func grpcCodeForError(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, newsapi.ErrInvalidQuery):
		return codes.InvalidArgument
	case errors.Is(err, resilience.ErrNoKeysConfigured):
		return codes.FailedPrecondition
	case newsapi.IsRateLimited(err):
		return codes.ResourceExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Unavailable
	}
}

// Package control serves the gRPC control plane: model lifecycle and
// translation for operators and sibling services.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcules/opus-mt-server/internal/route"
	"github.com/mcules/opus-mt-server/internal/translator"
)

type ModelControlService struct {
	Translator    *translator.Translator
	MaxTextLength int
	MaxBatchSize  int
}

func NewModelControlService(tr *translator.Translator) *ModelControlService {
	return &ModelControlService{Translator: tr, MaxTextLength: 5000, MaxBatchSize: 100}
}

// NewServer builds a gRPC server with the control service and the standard
// health service registered.
func NewServer(svc *ModelControlService, log zerolog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(log.With().Str("component", "grpc").Logger())))
	RegisterModelControlServer(srv, svc)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func logUnary(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// toStatus maps translator failures to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if st := status.FromContextError(err); st != nil {
			return st.Err()
		}
	}
	switch translator.KindOf(err) {
	case translator.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case translator.KindLoad:
		return status.Error(codes.FailedPrecondition, err.Error())
	case translator.KindInference:
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

func routeOf(in *structpb.Struct) (route.Route, error) {
	f := in.GetFields()
	src := f["source"].GetStringValue()
	tgt := f["target"].GetStringValue()
	if src == "" || tgt == "" {
		return route.Route{}, status.Error(codes.InvalidArgument, "source and target are required")
	}
	return route.New(src, tgt), nil
}

func reply(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *ModelControlService) ListRoutes(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	routes, err := s.Translator.DiscoverRoutes()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	available := make([]string, 0, len(routes))
	for _, r := range routes {
		available = append(available, r.String())
	}
	return reply(map[string]any{
		"routes":  anyList(available),
		"loaded":  anyList(s.Translator.LoadedModels()),
		"loading": anyList(s.Translator.Loading()),
	})
}

func (s *ModelControlService) LoadModel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := routeOf(in)
	if err != nil {
		return nil, err
	}
	msg, err := s.Translator.Load(ctx, r)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"route": r.String(), "message": msg})
}

func (s *ModelControlService) UnloadModel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := routeOf(in)
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{"route": r.String(), "unloaded": s.Translator.Unload(r)})
}

func (s *ModelControlService) ClearModels(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n := len(s.Translator.LoadedModels())
	s.Translator.ClearAll()
	return reply(map[string]any{"cleared": n})
}

func (s *ModelControlService) checkText(text string) error {
	if text == "" {
		return status.Error(codes.InvalidArgument, "text must be a non-empty string")
	}
	if utf8.RuneCountInString(text) > s.MaxTextLength {
		return status.Errorf(codes.InvalidArgument, "text longer than %d characters", s.MaxTextLength)
	}
	return nil
}

func (s *ModelControlService) Translate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := routeOf(in)
	if err != nil {
		return nil, err
	}
	text := in.GetFields()["text"].GetStringValue()
	if err := s.checkText(text); err != nil {
		return nil, err
	}

	res := s.Translator.Translate(ctx, r.Source, r.Target, text)
	if res.Err != nil {
		return nil, toStatus(res.Err)
	}
	return reply(map[string]any{"route": r.String(), "text": res.Text, "empty": res.Empty})
}

func (s *ModelControlService) TranslateBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := routeOf(in)
	if err != nil {
		return nil, err
	}
	list := in.GetFields()["texts"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "texts must be a non-empty list")
	}
	if len(list.GetValues()) > s.MaxBatchSize {
		return nil, status.Errorf(codes.InvalidArgument, "at most %d texts per batch", s.MaxBatchSize)
	}
	texts := make([]string, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		text, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "texts[%d] is not a string", i)
		}
		if err := s.checkText(text.StringValue); err != nil {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("texts[%d]: %s", i, status.Convert(err).Message()))
		}
		texts = append(texts, text.StringValue)
	}

	res := s.Translator.TranslateBatch(ctx, r.Source, r.Target, texts)
	if res.Err != nil {
		return nil, toStatus(res.Err)
	}
	return reply(map[string]any{"route": r.String(), "texts": anyList(res.Texts)})
}

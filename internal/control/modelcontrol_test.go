package control

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mcules/opus-mt-server/internal/engine/enginetest"
	"github.com/mcules/opus-mt-server/internal/translator"
)

type harness struct {
	client *Client
	conn   *grpc.ClientConn
	tr     *translator.Translator
	loader *enginetest.Loader
}

func newHarness(t *testing.T, routes ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	for _, r := range routes {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "opus-mt-"+r), 0o755))
	}
	loader := enginetest.NewLoader(enginetest.Upper)
	tr := translator.New(dir, loader, zerolog.Nop())

	svc := NewModelControlService(tr)
	svc.MaxBatchSize = 2
	srv, _ := NewServer(svc, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{client: NewClient(conn), conn: conn, tr: tr, loader: loader}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	res, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.GetStatus())
}

func TestListAndLifecycle(t *testing.T) {
	h := newHarness(t, "en-es", "fr-de")
	ctx := context.Background()

	out, err := h.client.LoadModel(ctx, "en", "es")
	require.NoError(t, err)
	assert.Equal(t, "Successfully loaded model for en-es translation", out.GetFields()["message"].GetStringValue())

	out, err = h.client.ListRoutes(ctx)
	require.NoError(t, err)
	m := out.AsMap()
	assert.ElementsMatch(t, []any{"en-es", "fr-de"}, m["routes"])
	assert.Equal(t, []any{"en-es"}, m["loaded"])

	out, err = h.client.UnloadModel(ctx, "en", "es")
	require.NoError(t, err)
	assert.True(t, out.GetFields()["unloaded"].GetBoolValue())

	_, err = h.client.LoadModel(ctx, "en", "es")
	require.NoError(t, err)
	out, err = h.client.ClearModels(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.GetFields()["cleared"].GetNumberValue())
	assert.Empty(t, h.tr.LoadedModels())
}

func TestTranslateRPC(t *testing.T) {
	h := newHarness(t, "en-es")
	ctx := context.Background()

	out, err := h.client.Translate(ctx, "en", "es", "hello")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out.GetFields()["text"].GetStringValue())

	out, err = h.client.TranslateBatch(ctx, "en", "es", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, out.AsMap()["texts"])
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t, "en-es")
	ctx := context.Background()

	_, err := h.client.Translate(ctx, "fr", "de", "Bonjour")
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "Model directory not found")

	_, err = h.client.Translate(ctx, "en", "", "x")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.TranslateBatch(ctx, "en", "es", []string{"a", "b", "c"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.TranslateBatch(ctx, "en", "es", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	h.loader.Err = errors.New("bad weights")
	_, err = h.client.LoadModel(ctx, "en", "es")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestInferenceErrorIsInternal(t *testing.T) {
	h := newHarness(t, "en-es")
	ctx := context.Background()
	_, err := h.client.LoadModel(ctx, "en", "es")
	require.NoError(t, err)
	h.loader.Models()[0].Err = errors.New("engine exploded")

	_, err = h.client.Translate(ctx, "en", "es", "hello")
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "Error during translation: engine exploded")
}

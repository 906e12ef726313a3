package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

func dial(t *testing.T, b *bus.Broker) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor))
	Register(g, New(b, b.Stats))
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestSendPublishes(t *testing.T) {
	b := st.Broker(t)
	sink := st.Collect(t, b, "processing_recipe")
	c := dial(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), st.WaitFor)
	defer cancel()
	require.NoError(t, c.Send(ctx, Message{
		Channel: "processing_recipe",
		Payload: map[string]any{"recipes": []string{"per-image-analysis-gridscan-swmr"}, "parameters": map[string]any{"ispyb_dcid": 6017516}},
		Header:  map[string]string{"origin": "gda"},
	}))

	require.Eventually(t, func() bool { return sink.Count() == 1 }, st.WaitFor, st.Tick)
	d := sink.Deliveries()[0]
	assert.Equal(t, "gda", d.Header["origin"])
	assert.Empty(t, d.Header[recipe.HeaderRecipe])
	p := sink.Payloads(t)[0]
	assert.Equal(t, float64(6017516), p["parameters"].(map[string]any)["ispyb_dcid"])
}

func TestSendWithDelay(t *testing.T) {
	b := st.Broker(t)
	sink := st.Collect(t, b, "later")
	c := dial(t, b)

	start := time.Now()
	require.NoError(t, c.Send(context.Background(), Message{Channel: "later", Payload: "x", Delay: 200 * time.Millisecond}))
	require.Eventually(t, func() bool { return sink.Count() == 1 }, st.WaitFor, st.Tick)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	b := st.Broker(t)
	c := dial(t, b)

	err := c.Send(context.Background(), Message{Payload: map[string]any{}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = c.Send(context.Background(), Message{Channel: "bad channel name!", Payload: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStats(t *testing.T) {
	b := st.Broker(t)
	c := dial(t, b)
	require.NoError(t, c.Send(context.Background(), Message{Channel: "nobody.listens", Payload: map[string]any{"a": 1}}))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), stats["published"])
	assert.Equal(t, float64(1), stats["pending"].(map[string]any)["nobody.listens"])
}

func TestStatsUnavailable(t *testing.T) {
	_, err := New(nil, nil).Stats(context.Background(), nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

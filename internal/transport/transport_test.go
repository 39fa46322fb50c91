package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/capnode/internal/journal"
	"github.com/tenzoki/capnode/public/capnode"
	"github.com/tenzoki/capnode/public/wire"
)

func sampleFunctionShape(t *testing.T) *wire.Shape {
	t.Helper()
	return wire.FunctionShape(wire.NewHandle())
}

// arithNode builds a server node exposing a small arithmetic API.
func arithNode(t *testing.T) *capnode.Node {
	t.Helper()
	node := capnode.New()
	_, err := node.Expose(capnode.Object(map[string]*capnode.Value{
		"add": capnode.Function(func(ctx context.Context, args []*capnode.Value) (*capnode.Value, error) {
			a, _ := args[0].Num()
			b, _ := args[1].Num()
			return capnode.Number(a + b), nil
		}),
		"motd": capnode.String("welcome"),
	}))
	require.NoError(t, err)
	return node
}

func startServer(t *testing.T, ctx context.Context, cfg Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go Serve(ctx, ln, cfg, func() *capnode.Node { return arithNode(t) })
	return ln.Addr().String()
}

func dialClient(t *testing.T, ctx context.Context, addr string, cfg Config) *capnode.Node {
	t.Helper()
	node := capnode.New()
	_, err := node.Expose(capnode.Object(nil))
	require.NoError(t, err)
	_, err = Dial(ctx, addr, node, cfg)
	require.NoError(t, err)

	select {
	case <-node.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server init")
	}
	return node
}

// A full call round trip must work over real sockets with either framing.
func TestCallOverTCP(t *testing.T) {
	for _, codec := range []Codec{CodecJSON, CodecMsgpack} {
		t.Run(string(codec), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg := Config{Codec: codec}
			addr := startServer(t, ctx, cfg)
			client := dialClient(t, ctx, addr, cfg)

			remote, ok := client.Remote()
			require.True(t, ok)

			motd, _ := remote.Field("motd").Text()
			assert.Equal(t, "welcome", motd)

			callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
			defer callCancel()
			result, err := remote.Field("add").Call(callCtx, capnode.Number(2), capnode.Number(3))
			require.NoError(t, err)
			sum, _ := result.Num()
			assert.Equal(t, float64(5), sum)
		})
	}
}

// Each accepted connection gets its own node, so two clients see
// independent method tables.
func TestServeIsolatesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{}
	addr := startServer(t, ctx, cfg)
	a := dialClient(t, ctx, addr, cfg)
	b := dialClient(t, ctx, addr, cfg)

	remoteA, _ := a.Remote()
	remoteB, _ := b.Remote()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	for _, remote := range []*capnode.Value{remoteA, remoteB} {
		result, err := remote.Field("add").Call(callCtx, capnode.Number(1), capnode.Number(1))
		require.NoError(t, err)
		sum, _ := result.Num()
		assert.Equal(t, float64(2), sum)
	}
}

// Dropping the connection must reject pending calls through node
// teardown.
func TestConnectionLossFailsNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	// A server that accepts, sends nothing, and hangs up after a moment.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}()

	node := capnode.New()
	_, err = node.Expose(capnode.Object(nil))
	require.NoError(t, err)
	_, err = Dial(ctx, ln.Addr().String(), node, Config{})
	require.NoError(t, err)

	// Call a handle the silent server will never answer; the hangup must
	// settle it with a transport failure.
	proxy, err := node.Adopt(sampleFunctionShape(t))
	require.NoError(t, err)
	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	_, err = proxy.Call(callCtx)
	require.Error(t, err)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "call timed out instead of failing with the transport")
}

// The journal must see traffic in both directions.
func TestJournalRecordsTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := journal.OpenInMemory()
	require.NoError(t, err)
	defer j.Close()

	addr := startServer(t, ctx, Config{})
	client := dialClient(t, ctx, addr, Config{Journal: j})

	remote, _ := client.Remote()
	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	_, err = remote.Field("add").Call(callCtx, capnode.Number(1), capnode.Number(2))
	require.NoError(t, err)

	counts := map[journal.Direction]int{}
	require.NoError(t, j.Replay(func(rec *journal.Record) error {
		counts[rec.Direction]++
		return nil
	}))
	// Outbound: client init + invocation. Inbound: server init + return.
	assert.GreaterOrEqual(t, counts[journal.Sent], 2)
	assert.GreaterOrEqual(t, counts[journal.Received], 2)
}

package agent

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/reliable"
	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func testConfig(id, listen string, hosts ...string) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.NodeID = id
	cfg.Transport.Listen = listen
	cfg.Transport.Hosts = hosts
	cfg.Transport.PollTimeout = 50 * time.Millisecond
	cfg.SendInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = time.Second
	cfg.Publisher = reliable.PublisherConfig{
		Interval: 20 * time.Millisecond,
		Backoff: reliable.BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     100 * time.Millisecond,
		},
		MaxRounds: 50,
	}
	return cfg
}

func start(t *testing.T, ctx context.Context, svc *Service) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- svc.RunContext(ctx) }()
	select {
	case <-svc.Ready():
	case err := <-done:
		t.Fatalf("service exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service not ready")
	}
	return done
}

func TestNormalizeAssignsNodeID(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultServiceConfig()
	cfg.Publish = []ReliableConfig{{Name: " map "}}
	out := cfg.Normalize()
	assert.NotEmpty(t, out.NodeID)
	assert.Equal(t, out.NodeID, out.Transport.ID)
	assert.Equal(t, "map", out.Publish[0].Name)
	assert.Equal(t, 2, out.Publish[0].Processes)
	assert.Equal(t, " map ", cfg.Publish[0].Name, "input config is not modified")
}

func TestValidateCollectsErrors(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultServiceConfig()
	cfg.HeartbeatInterval = 0
	cfg.Publish = []ReliableConfig{{Name: "a", ID: 3, Processes: 2}, {Name: ""}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHeartbeatInterval))
	assert.True(t, errors.Is(err, ErrInvalidReliableRecord))
	assert.Contains(t, err.Error(), "outside [0,2)")
	assert.Contains(t, err.Error(), "missing name")

	assert.NoError(t, DefaultServiceConfig().Validate())
}

func TestRunContextStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig("solo", "127.0.0.1:0")
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "solo.db")
	svc := NewServiceWithConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := start(t, ctx, svc)

	svc.Set("greeting", knowledge.NewString("hi"))
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}

	// The final checkpoint restores into a fresh node.
	again := NewServiceWithConfig(cfg)
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := start(t, ctx2, again)
	rec, ok := again.Knowledge().Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hi", rec.String())
	cancel2()
	<-done2
}

func TestReliablePublishIsAcknowledged(t *testing.T) {
	testlog.Start(t)

	addrA, addrB := freeUDPAddr(t), freeUDPAddr(t)
	cfgA := testConfig("node-a", addrA, addrB)
	cfgA.Publish = []ReliableConfig{{Name: "map", ID: 0, Processes: 2}}
	cfgB := testConfig("node-b", addrB, addrA)
	cfgB.Watch = []ReliableConfig{{Name: "map", ID: 1, Processes: 2}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewServiceWithConfig(cfgA)
	b := NewServiceWithConfig(cfgB)
	doneA := start(t, ctx, a)
	doneB := start(t, ctx, b)

	payload := make([]byte, 120000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	r, err := a.PublishReliable("map", knowledge.NewBinary(payload))
	require.NoError(t, err)
	require.Equal(t, 3, r.FragmentCount())

	require.Eventually(t, r.IsDone, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := b.Delivered("map")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	got, ok, err := reliable.Reassemble(b.Knowledge(), "map")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got.Bytes())

	st, ok := a.Publisher().Tracker().Get("map")
	require.True(t, ok)
	assert.True(t, st.Done)

	cancel()
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
}

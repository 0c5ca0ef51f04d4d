package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/store/file"
)

type fakeConnector struct {
	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{stopCh: make(chan struct{})}
}

func (f *fakeConnector) Start(ctx context.Context) error {
	f.started.Store(true)
	select {
	case <-ctx.Done():
	case <-f.stopCh:
	}
	return nil
}

func (f *fakeConnector) Stop() {
	f.stopped.Store(true)
	f.once.Do(func() { close(f.stopCh) })
}

func testManager(t *testing.T, factory ConnectorFactory) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.URL = "wss://gateway.example.com/ws"
	cfg.Connectors["tg"] = config.ConnectorConfig{Enabled: true, Policy: config.PolicyOpen}
	cfg.Connectors["off"] = config.ConnectorConfig{Enabled: false}

	stores := &store.Stores{
		Connectors: file.NewFileConnectorStore(filepath.Join(t.TempDir(), "connectors.json")),
	}
	return New(cfg, stores, factory)
}

func TestStartStop(t *testing.T) {
	conn := newFakeConnector()
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) { return conn, nil })
	ctx := context.Background()

	if err := m.Start(ctx, "tg"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.IsRunning("tg") {
		t.Fatal("connector not running after start")
	}
	if st, ok := m.Status("tg"); !ok || st.State != store.ConnectorStateRunning {
		t.Errorf("status = %+v", st)
	}

	if err := m.Stop(ctx, "tg"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning("tg") {
		t.Fatal("connector still running after stop")
	}
	if !conn.stopped.Load() {
		t.Error("connector Stop not called")
	}
	if st, ok := m.Status("tg"); !ok || st.State != store.ConnectorStateStopped {
		t.Errorf("status = %+v", st)
	}
}

func TestConcurrentStartsOneInstance(t *testing.T) {
	var built atomic.Int32
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		built.Add(1)
		return newFakeConnector(), nil
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Start(ctx, "tg")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("start %d: %v", i, err)
		}
	}
	if got := built.Load(); got != 1 {
		t.Errorf("built %d instances, want 1", got)
	}

	m.Stop(ctx, "tg")
}

func TestStopIdempotent(t *testing.T) {
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		return newFakeConnector(), nil
	})
	ctx := context.Background()

	// Stop before any start is a no-op.
	if err := m.Stop(ctx, "tg"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	m.Start(ctx, "tg")
	if err := m.Stop(ctx, "tg"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(ctx, "tg"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartUnknownConnector(t *testing.T) {
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		return newFakeConnector(), nil
	})

	err := m.Start(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for unknown connector")
	}
	if st, ok := m.Status("nope"); !ok || st.State != store.ConnectorStateError {
		t.Errorf("status = %+v", st)
	}
}

func TestStartDisabledConnector(t *testing.T) {
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		return newFakeConnector(), nil
	})

	if err := m.Start(context.Background(), "off"); err == nil {
		t.Fatal("expected error for disabled connector")
	}
}

func TestFactoryErrorMarksErrored(t *testing.T) {
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		return nil, fmt.Errorf("bad token")
	})

	err := m.Start(context.Background(), "tg")
	if err == nil {
		t.Fatal("expected factory error")
	}
	if m.IsRunning("tg") {
		t.Error("errored connector should not be running")
	}
	st, ok := m.Status("tg")
	if !ok || st.State != store.ConnectorStateError {
		t.Fatalf("status = %+v", st)
	}
	if st.Error == "" {
		t.Error("error message not recorded")
	}
}

func TestRestart(t *testing.T) {
	var built atomic.Int32
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		built.Add(1)
		return newFakeConnector(), nil
	})
	ctx := context.Background()

	m.Start(ctx, "tg")
	if err := m.Restart(ctx, "tg"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !m.IsRunning("tg") {
		t.Fatal("connector not running after restart")
	}
	if got := built.Load(); got != 2 {
		t.Errorf("built %d instances, want 2", got)
	}

	m.Stop(ctx, "tg")
}

func TestStopAll(t *testing.T) {
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		return newFakeConnector(), nil
	})
	ctx := context.Background()

	m.Start(ctx, "tg")
	m.StopAll(ctx)

	deadline := time.After(2 * time.Second)
	for m.IsRunning("tg") {
		select {
		case <-deadline:
			t.Fatal("connector still running after StopAll")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestRestartHoldsLockAcrossStopStart(t *testing.T) {
	gate := make(chan struct{})
	var built atomic.Int32
	m := testManager(t, func(string, config.ConnectorConfig) (Connector, error) {
		if built.Add(1) == 2 {
			// Second build happens inside Restart, after the old
			// instance stopped but before the new one is up.
			<-gate
		}
		return newFakeConnector(), nil
	})
	ctx := context.Background()

	m.Start(ctx, "tg")

	restartDone := make(chan error, 1)
	go func() { restartDone <- m.Restart(ctx, "tg") }()

	// Wait until the restart is mid-flight, parked in the factory.
	deadline := time.After(2 * time.Second)
	for built.Load() != 2 {
		select {
		case <-deadline:
			t.Fatal("restart never reached the factory")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// A concurrent stop must not sneak in between the stop and start
	// halves of the restart.
	stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := m.Stop(stopCtx, "tg"); err == nil {
		t.Fatal("Stop interleaved into an in-flight Restart")
	}

	close(gate)
	if err := <-restartDone; err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !m.IsRunning("tg") {
		t.Fatal("connector not running after restart")
	}

	m.Stop(ctx, "tg")
}

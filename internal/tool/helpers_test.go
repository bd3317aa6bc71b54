package tool

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
	"clawnix/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	host  *plugin.Host
	bus   *bus.EventBus
	state *state.MemoryStore
}

// initPlugin runs p through a fresh host and returns the environment it saw.
func initPlugin(t *testing.T, p plugin.Plugin, cfg map[string]any) *testEnv {
	t.Helper()
	return initPluginWithState(t, p, state.NewMemoryStore(), cfg)
}

func initPluginWithState(t *testing.T, p plugin.Plugin, st *state.MemoryStore, cfg ...map[string]any) *testEnv {
	t.Helper()
	env := &testEnv{bus: bus.NewEventBus(testLogger()), state: st}
	var config map[string]any
	if len(cfg) > 0 {
		config = cfg[0]
	}
	env.host = plugin.NewHost(plugin.HostConfig{Bus: env.bus, State: env.state, Logger: testLogger()})
	env.host.Register(p, config)
	if err := env.host.InitAll(context.Background()); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	t.Cleanup(func() { _ = env.host.ShutdownAll(context.Background()) })
	return env
}

func (e *testEnv) run(t *testing.T, name string, args map[string]any) (string, error) {
	t.Helper()
	tl, ok := e.host.Tool(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tl.Execute(context.Background(), args)
}

func (e *testEnv) mustRun(t *testing.T, name string, args map[string]any) string {
	t.Helper()
	out, err := e.run(t, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

var _ domain.Tool = (*Func)(nil)

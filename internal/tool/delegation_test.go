package tool

import (
	"context"
	"encoding/json"
	"testing"

	"clawnix/internal/domain"
	"clawnix/internal/plugin"
)

type fakeDelegator struct {
	agents []string
	got    domain.DelegationRequest
}

func (f *fakeDelegator) Delegate(_ context.Context, req domain.DelegationRequest) domain.DelegationResponse {
	f.got = req
	return domain.DelegationResponse{From: req.From, To: req.To, Status: domain.DelegationCompleted, Result: "done: " + req.Task}
}

func (f *fakeDelegator) ListAgents() []string { return f.agents }

func TestDelegationPlugin_Delegate(t *testing.T) {
	d := &fakeDelegator{}
	env := initPlugin(t, NewDelegationPlugin("personal", d), nil)

	out := env.mustRun(t, "clawnix_delegate", map[string]any{
		"targetAgent": "devops",
		"task":        "check disk",
		"context":     "server is slow",
	})

	var resp domain.DelegationResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, out)
	}
	if resp.Status != domain.DelegationCompleted || resp.Result != "done: check disk" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if d.got.From != "personal" || d.got.To != "devops" || d.got.Context != "server is slow" {
		t.Fatalf("request not forwarded correctly: %+v", d.got)
	}
}

func TestDelegationPlugin_DelegateRequiresTarget(t *testing.T) {
	env := initPlugin(t, NewDelegationPlugin("personal", &fakeDelegator{}), nil)
	if _, err := env.run(t, "clawnix_delegate", map[string]any{"task": "x"}); err == nil {
		t.Fatal("expected error without targetAgent")
	}
}

func TestDelegationPlugin_ListAgents(t *testing.T) {
	d := &fakeDelegator{}
	env := initPlugin(t, NewDelegationPlugin("personal", d), nil)

	if out := env.mustRun(t, "clawnix_list_agents", nil); out != "No other agents registered." {
		t.Fatalf("got %q", out)
	}
	d.agents = []string{"devops", "personal"}
	if out := env.mustRun(t, "clawnix_list_agents", nil); out != "Available agents: devops, personal" {
		t.Fatalf("got %q", out)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := plugin.NewRegistry()
	RegisterBuiltins(reg)

	for _, name := range []string{"browser", "delegation", "exec", "memory", "observe", "scheduler"} {
		if !reg.Has(name) {
			t.Errorf("builtin %s not registered", name)
		}
	}
	if _, err := reg.New("delegation", plugin.Deps{AgentName: "a"}); err == nil {
		t.Fatal("delegation without a broker should fail to construct")
	}
	p, err := reg.New("delegation", plugin.Deps{AgentName: "a", Delegator: &fakeDelegator{}})
	if err != nil || p.Name() != "delegation" {
		t.Fatalf("got %v, %v", p, err)
	}
}

package tool

import (
	"errors"

	"clawnix/internal/plugin"
)

// RegisterBuiltins adds every built-in plugin variant to reg under the name
// used in an agent's `tools` list.
func RegisterBuiltins(reg *plugin.Registry) {
	reg.Register("delegation", func(d plugin.Deps) (plugin.Plugin, error) {
		if d.Delegator == nil {
			return nil, errors.New("no broker configured")
		}
		return NewDelegationPlugin(d.AgentName, d.Delegator), nil
	})
	reg.Register("memory", func(d plugin.Deps) (plugin.Plugin, error) {
		return NewMemoryPlugin(d.WorkspaceDir), nil
	})
	reg.Register("scheduler", func(plugin.Deps) (plugin.Plugin, error) {
		return NewSchedulerPlugin(), nil
	})
	reg.Register("exec", func(d plugin.Deps) (plugin.Plugin, error) {
		return NewExecPlugin(ExecConfig{WorkingDir: d.WorkspaceDir}), nil
	})
	reg.Register("observe", func(plugin.Deps) (plugin.Plugin, error) {
		return NewObservePlugin(nil), nil
	})
	reg.Register("browser", func(plugin.Deps) (plugin.Plugin, error) {
		return NewBrowserPlugin(nil), nil
	})
}

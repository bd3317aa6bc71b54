package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"clawnix/internal/agent"
	"clawnix/internal/approval"
	"clawnix/internal/bus"
	"clawnix/internal/channel"
	"clawnix/internal/config"
	"clawnix/internal/conversation"
	"clawnix/internal/domain"
	"clawnix/internal/mcp"
	"clawnix/internal/plugin"
	"clawnix/internal/policy"
	"clawnix/internal/provider"
	"clawnix/internal/state"
	"clawnix/internal/tool"
)

const (
	// SingleAgentName names the implicit agent when no agents are configured.
	SingleAgentName  = "main"
	sharedDBFileName = "clawnix-shared.db"
)

// Options override what New would otherwise build from the configuration.
type Options struct {
	Logger     *slog.Logger
	Provider   domain.Provider  // defaults to the provider factory's result
	Classifier agent.Classifier // defaults to a model classifier on Provider
	Registry   *plugin.Registry // defaults to the built-in tool plugins
	Channels   []plugin.Plugin  // non-nil replaces the configured channels
	OnExit     func()           // called when the terminal user quits
}

// Runtime owns every agent instance and the channels in front of them.
//
// With a single agent the channels share that agent's bus. With several,
// channels publish on a front bus; incoming messages are routed to one
// instance and responses and approval traffic are bridged back.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	provider   domain.Provider
	classifier agent.Classifier
	registry   *plugin.Registry
	channels   []plugin.Plugin
	onExit     func()

	front     *bus.EventBus
	frontHost *plugin.Host
	instances []*Instance
	byName    map[string]*Instance
	router    *agent.Router
	broker    *agent.Broker
	mcp       *mcp.Manager
	sharedDB  *sql.DB

	turns   agent.TurnQueue
	unsubs  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New opens every agent instance described by cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		cfg:      cfg,
		logger:   logger,
		registry: opts.Registry,
		channels: opts.Channels,
		onExit:   opts.OnExit,
		byName:   make(map[string]*Instance),
	}

	rt.provider = opts.Provider
	if rt.provider == nil {
		p, err := provider.NewFactory(logger).FromConfig(cfg.AI)
		if err != nil {
			return nil, err
		}
		rt.provider = p
	}
	rt.classifier = opts.Classifier
	if rt.classifier == nil {
		rt.classifier = provider.NewClassifier(rt.provider, cfg.AI.ClassifierModel, logger)
	}
	if rt.registry == nil {
		rt.registry = plugin.NewRegistry()
		tool.RegisterBuiltins(rt.registry)
	}

	var err error
	if cfg.MultiAgent() {
		err = rt.openMulti()
	} else {
		err = rt.openSingle()
	}
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) openSingle() error {
	ac := singleAgentConfig(rt.cfg)
	inst, err := NewInstance(SingleAgentName, ac, AgentStateDir(rt.cfg, SingleAgentName), rt.cfg.Security.Policies, rt.logger)
	if err != nil {
		return err
	}
	rt.add(inst)
	rt.front = inst.Bus
	rt.frontHost = plugin.NewHost(plugin.HostConfig{Bus: inst.Bus, State: inst.Store, Logger: rt.logger})
	rt.mcp = mcp.NewManager(rt.cfg.MCP.Servers, rt.logger)
	return nil
}

func (rt *Runtime) openMulti() error {
	names := make([]string, 0, len(rt.cfg.Agents))
	for name := range rt.cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	db, err := state.Open(SharedDBPath(rt.cfg), rt.logger)
	if err != nil {
		return fmt.Errorf("open shared state: %w", err)
	}
	rt.sharedDB = db
	rt.broker = agent.NewBroker(agent.BrokerConfig{
		MaxDepth: rt.cfg.Delegation.MaxDepth,
		Audit:    state.NewAuditLog(db, rt.logger),
		Logger:   rt.logger,
	})

	descriptions := make(map[string]string, len(names))
	referenced := map[string]config.MCPServerConfig{}
	for _, name := range names {
		ac := rt.cfg.Agents[name]
		if ac.WorkspaceDir == "" {
			ac.WorkspaceDir = filepath.Join(rt.cfg.WorkspaceDir, name)
		}
		rt.cfg.Agents[name] = ac

		policies := append(append([]policy.Rule(nil), ac.ToolPolicies...), rt.cfg.Security.Policies...)
		inst, err := NewInstance(name, ac, AgentStateDir(rt.cfg, name), policies, rt.logger)
		if err != nil {
			return err
		}
		rt.add(inst)
		rt.broker.RegisterAgent(name, DelegationHandler(inst))
		descriptions[name] = ac.Description

		for _, s := range ac.MCP.Servers {
			if sc, ok := rt.cfg.MCP.Servers[s]; ok {
				referenced[s] = sc
			} else {
				rt.logger.Warn("agent references unknown MCP server", "agent", name, "server", s)
			}
		}
	}

	rt.router = agent.NewRouter(agent.BuildRoutes(descriptions), rt.logger)
	rt.front = bus.NewEventBus(rt.logger)
	rt.frontHost = plugin.NewHost(plugin.HostConfig{
		Bus:    rt.front,
		State:  state.NewStoreFromDB(db, rt.logger),
		Logger: rt.logger,
	})
	rt.mcp = mcp.NewManager(referenced, rt.logger)
	return nil
}

func (rt *Runtime) add(inst *Instance) {
	rt.instances = append(rt.instances, inst)
	rt.byName[inst.Name] = inst
}

// Start connects MCP servers, wires and starts every agent, installs the
// routing bridges and brings the channels up.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.started {
		return errors.New("runtime already started")
	}
	if len(rt.instances) == 0 {
		return errNoAgents
	}
	rt.started = true
	ctx, rt.cancel = context.WithCancel(ctx)

	rt.mcp.ConnectAll(ctx)

	for _, inst := range rt.instances {
		ac := rt.agentConfig(inst.Name)
		err := Wire(ctx, inst, Wiring{
			Config:   rt.cfg,
			Agent:    ac,
			Registry: rt.registry,
			Broker:   rt.broker,
			MCP:      rt.mcp,
			Provider: rt.provider,
		})
		if err != nil {
			return err
		}
		inst.Agent.Start(ctx)
		rt.startSweeper(ctx, inst)
	}

	if rt.router != nil {
		rt.bridge(ctx)
	}

	for _, p := range rt.channelPlugins() {
		rt.frontHost.Register(p, nil)
	}
	if err := rt.frontHost.InitAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	rt.logger.Info("runtime started",
		"agents", len(rt.instances),
		"multi_agent", rt.router != nil,
		"channels", rt.frontHost.PluginNames(),
	)
	return nil
}

func (rt *Runtime) agentConfig(name string) config.AgentConfig {
	if rt.cfg.MultiAgent() {
		return rt.cfg.Agents[name]
	}
	return singleAgentConfig(rt.cfg)
}

func (rt *Runtime) startSweeper(ctx context.Context, inst *Instance) {
	sweeper := approval.NewSweeper(approval.SweeperConfig{
		Store:    inst.Approvals,
		MaxAge:   time.Duration(rt.cfg.Security.ApprovalTimeoutSeconds) * time.Second,
		Interval: time.Duration(rt.cfg.Security.ApprovalSweepSeconds) * time.Second,
		Logger:   inst.logger,
	})
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		sweeper.Run(ctx)
	}()
}

// channelPlugins builds the enabled channels unless Options supplied them.
func (rt *Runtime) channelPlugins() []plugin.Plugin {
	if rt.channels != nil {
		return rt.channels
	}
	set := instanceSet(rt.instances)
	ch := rt.cfg.Channels
	var out []plugin.Plugin
	if ch.Terminal.Enable {
		out = append(out, channel.NewTerminal(channel.TerminalConfig{
			Conversations: set,
			OnExit:        rt.onExit,
			Logger:        rt.logger,
		}))
	}
	if ch.Telegram.Enable {
		token, err := ch.Telegram.Token()
		if err != nil {
			rt.logger.Error("telegram token unavailable", "error", err)
		}
		out = append(out, channel.NewTelegram(channel.TelegramConfig{
			Token:         token,
			AllowedUsers:  ch.Telegram.AllowedUsers,
			Conversations: set,
			Logger:        rt.logger,
		}))
	}
	if ch.WebUI.Enable {
		out = append(out, channel.NewWebUI(channel.WebUIConfig{
			Host:          ch.WebUI.Host,
			Port:          ch.WebUI.Port,
			Approvals:     set,
			Usage:         set,
			Conversations: set,
			Logger:        rt.logger,
		}))
	}
	return out
}

// bridge connects the front bus to the agent buses: incoming messages are
// routed to one agent, responses and approval requests come back, and
// approval decisions reach every agent.
func (rt *Runtime) bridge(ctx context.Context) {
	rt.unsubs = append(rt.unsubs, rt.front.Subscribe(bus.MessageIncoming, func(e bus.Event) {
		msg, ok := e.Payload.(domain.Message)
		if !ok {
			rt.logger.Warn("ignoring malformed incoming message", "payload", fmt.Sprintf("%T", e.Payload))
			return
		}
		rt.turns.Submit(conversation.ID(msg.Channel, msg.Sender), func() {
			rt.route(ctx, msg)
		})
	}))

	rt.unsubs = append(rt.unsubs, rt.front.Subscribe(bus.ApprovalDecide, func(e bus.Event) {
		for _, inst := range rt.instances {
			inst.Bus.Publish(bus.ApprovalDecide, e.Payload)
		}
	}))

	for _, inst := range rt.instances {
		rt.unsubs = append(rt.unsubs,
			inst.Bus.Subscribe(bus.MessageResponse, func(e bus.Event) {
				if resp, ok := e.Payload.(domain.Response); ok && resp.Channel == DelegationChannel {
					return
				}
				rt.front.Publish(bus.MessageResponse, e.Payload)
			}),
			inst.Bus.Subscribe(bus.ApprovalRequest, func(e bus.Event) {
				rt.front.Publish(bus.ApprovalRequest, e.Payload)
			}),
		)
	}
}

// route hands msg to the agent the router picks. Messages no agent claims
// are answered on the front bus with the routing help.
func (rt *Runtime) route(ctx context.Context, msg domain.Message) {
	res, err := rt.router.Route(ctx, msg.Text, rt.classifier)
	if err != nil {
		rt.logger.Warn("routing failed", "channel", msg.Channel, "error", err)
	}
	inst, ok := rt.byName[res.Agent]
	if err != nil || res.Method == agent.RouteAmbiguous || !ok {
		rt.front.Publish(bus.MessageResponse, domain.Response{
			ID:      msg.ID,
			Channel: msg.Channel,
			Sender:  msg.Sender,
			Text:    rt.routingHelp(),
			ReplyTo: msg.ID,
		})
		return
	}
	rt.logger.Debug("routed message", "agent", res.Agent, "method", res.Method)
	msg.Text = res.Message
	inst.Bus.Publish(bus.MessageIncoming, msg)
}

func (rt *Runtime) routingHelp() string {
	routes := agent.BuildRoutes(rt.descriptions())
	var b strings.Builder
	b.WriteString("I could not tell which agent should handle that. Start your message with an agent prefix:\n")
	for _, name := range rt.router.Agents() {
		r := routes[name]
		if r.Prefix == "" {
			fmt.Fprintf(&b, "- %s: %s\n", name, r.Description)
			continue
		}
		fmt.Fprintf(&b, "- /%s %s: %s\n", r.Prefix, name, r.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (rt *Runtime) descriptions() map[string]string {
	out := make(map[string]string, len(rt.instances))
	for _, inst := range rt.instances {
		out[inst.Name] = inst.Description
	}
	return out
}

// Front is the bus the channels publish on.
func (rt *Runtime) Front() *bus.EventBus { return rt.front }

// Instances returns the agent instances in name order.
func (rt *Runtime) Instances() []*Instance {
	return append([]*Instance(nil), rt.instances...)
}

func (rt *Runtime) Instance(name string) (*Instance, bool) {
	inst, ok := rt.byName[name]
	return inst, ok
}

// Router is nil in single-agent mode.
func (rt *Runtime) Router() *agent.Router { return rt.router }

// Broker is nil in single-agent mode.
func (rt *Runtime) Broker() *agent.Broker { return rt.broker }

// Close stops channels, agents and MCP servers and closes every database.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.frontHost != nil {
		if err := rt.frontHost.ShutdownAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, unsub := range rt.unsubs {
		unsub()
	}
	rt.unsubs = nil
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()

	if err := rt.closeInstances(ctx); err != nil {
		errs = append(errs, err)
	}
	if rt.mcp != nil {
		rt.mcp.DisconnectAll()
	}
	if rt.sharedDB != nil {
		if err := rt.sharedDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shared state: %w", err))
		}
		rt.sharedDB = nil
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeInstances(ctx context.Context) error {
	var errs []error
	for _, inst := range rt.instances {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", inst.Name, err))
		}
	}
	rt.instances = nil
	return errors.Join(errs...)
}

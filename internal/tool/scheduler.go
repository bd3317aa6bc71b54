package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
)

const (
	schedulerNamespace = "scheduler"
	schedulerTasksKey  = "tasks"
	schedulerSender    = "scheduler"
)

// ScheduledTask is the persisted form of a cron job.
type ScheduledTask struct {
	ID             string `json:"id"`
	CronExpression string `json:"cronExpression"`
	Message        string `json:"message"`
	Channel        string `json:"channel"`
}

type runningTask struct {
	ScheduledTask
	next time.Time
}

// SchedulerPlugin publishes a message:incoming for each task whose cron
// expression comes due. Tasks survive restarts through the state store.
type SchedulerPlugin struct {
	mu     sync.Mutex
	tasks  []*runningTask
	bus    *bus.EventBus
	state  domain.StateStore
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time
	stop   chan struct{}
	done   chan struct{}
}

func NewSchedulerPlugin() *SchedulerPlugin {
	return &SchedulerPlugin{
		tick: time.Second,
		now:  time.Now,
	}
}

func (p *SchedulerPlugin) Name() string    { return "scheduler" }
func (p *SchedulerPlugin) Version() string { return "0.2.0" }

func (p *SchedulerPlugin) Init(ctx context.Context, pc *plugin.Context) error {
	p.bus = pc.Bus
	p.state = pc.State
	p.logger = pc.Logger

	var stored []ScheduledTask
	if _, err := p.state.GetJSON(ctx, schedulerNamespace, schedulerTasksKey, &stored); err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}
	for _, t := range stored {
		rt, err := p.start(t)
		if err != nil {
			p.logger.Warn("failed to restore scheduled task", "id", t.ID, "cron", t.CronExpression, "err", err)
			continue
		}
		p.tasks = append(p.tasks, rt)
		p.logger.Info("restored scheduled task", "id", t.ID, "message", t.Message)
	}

	tools := []domain.Tool{
		&Func{
			ToolName: "clawnix_schedule_task",
			Desc: "Schedule a recurring task using a cron expression. The message will be sent " +
				"to the agent on each trigger (persisted).",
			Schema: ToolParameters(map[string]Param{
				"cronExpression": {Type: "string", Description: "Cron expression (e.g. '0 9 * * *' for daily at 9am)"},
				"message":        {Type: "string", Description: "Message to send to the agent on each trigger"},
				"channel":        {Type: "string", Description: "Channel to attribute the message to (default: scheduler)"},
			}, []string{"cronExpression", "message"}),
			Run: p.schedule,
		},
		&Func{
			ToolName: "clawnix_list_scheduled",
			Desc:     "List all currently scheduled tasks (persisted)",
			Run:      p.list,
		},
		&Func{
			ToolName: "clawnix_remove_scheduled",
			Desc:     "Remove a scheduled task by its ID",
			Schema: ToolParameters(map[string]Param{
				"taskId": {Type: "string", Description: "ID of the scheduled task to remove"},
			}, []string{"taskId"}),
			Run: p.remove,
		},
	}
	for _, t := range tools {
		if err := pc.RegisterTool(t); err != nil {
			return err
		}
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run()

	p.logger.Info("scheduler plugin registered", "tasks", len(p.tasks))
	return nil
}

func (p *SchedulerPlugin) start(t ScheduledTask) (*runningTask, error) {
	cron := gronx.New()
	if !cron.IsValid(t.CronExpression) {
		return nil, fmt.Errorf("invalid cron expression %q", t.CronExpression)
	}
	next, err := gronx.NextTickAfter(t.CronExpression, p.now(), false)
	if err != nil {
		return nil, fmt.Errorf("next tick for %q: %w", t.CronExpression, err)
	}
	return &runningTask{ScheduledTask: t, next: next}, nil
}

func (p *SchedulerPlugin) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.fireDue(p.now())
		}
	}
}

// fireDue publishes every task whose next tick is at or before now.
func (p *SchedulerPlugin) fireDue(now time.Time) {
	p.mu.Lock()
	var due []ScheduledTask
	for _, t := range p.tasks {
		if now.Before(t.next) {
			continue
		}
		due = append(due, t.ScheduledTask)
		next, err := gronx.NextTickAfter(t.CronExpression, now, false)
		if err != nil {
			p.logger.Warn("cannot compute next tick", "id", t.ID, "err", err)
			next = now.Add(time.Minute)
		}
		t.next = next
	}
	p.mu.Unlock()

	for _, t := range due {
		msg := domain.NewMessage(t.Channel, schedulerSender, t.Message)
		p.bus.Publish(bus.MessageIncoming, msg)
		p.logger.Info("scheduler triggered", "id", t.ID, "message", t.Message)
	}
}

func (p *SchedulerPlugin) schedule(ctx context.Context, args map[string]any) (string, error) {
	task := ScheduledTask{
		ID:             uuid.NewString()[:8],
		CronExpression: strings.TrimSpace(ArgsString(args, "cronExpression")),
		Message:        ArgsString(args, "message"),
		Channel:        ArgsString(args, "channel"),
	}
	if task.Channel == "" {
		task.Channel = schedulerSender
	}
	if task.Message == "" {
		return "", fmt.Errorf("message is required")
	}
	rt, err := p.start(task)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.tasks = append(p.tasks, rt)
	p.mu.Unlock()
	if err := p.persist(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled task %s: %q with cron %q", task.ID, task.Message, task.CronExpression), nil
}

func (p *SchedulerPlugin) list(context.Context, map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return "No scheduled tasks.", nil
	}
	lines := make([]string, len(p.tasks))
	for i, t := range p.tasks {
		lines[i] = fmt.Sprintf("%s: %q [%s] (channel: %s)", t.ID, t.Message, t.CronExpression, t.Channel)
	}
	return strings.Join(lines, "\n"), nil
}

func (p *SchedulerPlugin) remove(ctx context.Context, args map[string]any) (string, error) {
	id := ArgsString(args, "taskId")
	p.mu.Lock()
	idx := -1
	for i, t := range p.tasks {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return fmt.Sprintf("No scheduled task found with ID %q", id), nil
	}
	removed := p.tasks[idx]
	p.tasks = append(p.tasks[:idx], p.tasks[idx+1:]...)
	p.mu.Unlock()

	if err := p.persist(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed scheduled task %s: %q", id, removed.Message), nil
}

func (p *SchedulerPlugin) persist(ctx context.Context) error {
	p.mu.Lock()
	stored := make([]ScheduledTask, len(p.tasks))
	for i, t := range p.tasks {
		stored[i] = t.ScheduledTask
	}
	p.mu.Unlock()
	if err := p.state.SetJSON(ctx, schedulerNamespace, schedulerTasksKey, stored); err != nil {
		return fmt.Errorf("persist scheduled tasks: %w", err)
	}
	return nil
}

// Tasks returns a snapshot of the scheduled tasks.
func (p *SchedulerPlugin) Tasks() []ScheduledTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ScheduledTask, len(p.tasks))
	for i, t := range p.tasks {
		out[i] = t.ScheduledTask
	}
	return out
}

func (p *SchedulerPlugin) Shutdown(context.Context) error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	<-p.done
	p.stop = nil
	return nil
}

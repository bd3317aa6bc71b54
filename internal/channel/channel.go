// Package channel holds the user-facing input channels. Every channel is a
// plugin: Init subscribes it to the bus and starts its reader, Shutdown stops
// it. Channels publish message:incoming and approval:decide, and render
// message:response and approval:request events addressed to them.
package channel

import (
	"context"
	"fmt"
	"strings"

	"clawnix/internal/approval"
	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/state"
)

const pluginVersion = "0.2.0"

// Conversations clears the history of one channel/sender pair.
type Conversations interface {
	Clear(ctx context.Context, channel, sender string) error
}

// ApprovalLister lists approval requests still waiting for a decision.
type ApprovalLister interface {
	Pending(ctx context.Context) ([]approval.Request, error)
}

// UsageReporter aggregates recorded token usage.
type UsageReporter interface {
	Summary(ctx context.Context, days int) (state.UsageSummary, error)
}

// command handles the slash commands every channel understands. It reports
// whether text was one of them and the reply to show the user.
func command(ctx context.Context, b *bus.EventBus, convs Conversations, channel, sender, text string) (string, bool) {
	if cmd, ok := ParseApprovalCommand(text); ok {
		b.Publish(bus.ApprovalDecide, domain.ApprovalDecision{
			ID:       cmd.ID,
			Decision: string(cmd.Decision),
			By:       channel + ":" + sender,
		})
		return fmt.Sprintf("Recorded %s for %s.", cmd.Decision, cmd.ID), true
	}
	if strings.TrimSpace(text) == "/clear" {
		if convs == nil {
			return "Nothing to clear.", true
		}
		if err := convs.Clear(ctx, channel, sender); err != nil {
			return "Failed to clear conversation: " + err.Error(), true
		}
		return "Conversation cleared.", true
	}
	return "", false
}

func responsePayload(p any) (domain.Response, bool) {
	switch r := p.(type) {
	case domain.Response:
		return r, true
	case *domain.Response:
		if r != nil {
			return *r, true
		}
	}
	return domain.Response{}, false
}

func approvalRequestPayload(p any) (domain.ApprovalRequest, bool) {
	switch r := p.(type) {
	case domain.ApprovalRequest:
		return r, true
	case *domain.ApprovalRequest:
		if r != nil {
			return *r, true
		}
	}
	return domain.ApprovalRequest{}, false
}

// splitMessage cuts text into chunks of at most max bytes, preferring line
// breaks in the second half of a chunk.
func splitMessage(text string, max int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= max {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:max], "\n")
		if cut < max/2 {
			cut = max
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

package domain

import (
	"context"
	"time"
)

type DelegationStatus string

const (
	DelegationCompleted DelegationStatus = "completed"
	DelegationError     DelegationStatus = "error"
)

// DelegationRequest asks the agent named To to perform Task on behalf of From.
// Depth counts the hops already taken by the chain this request belongs to.
type DelegationRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Task    string `json:"task"`
	Context string `json:"context,omitempty"`
	Depth   int    `json:"depth"`
}

type DelegationResponse struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Status DelegationStatus `json:"status"`
	Result string           `json:"result"`
}

// DelegationRecord is the audit entry derived from one delegation attempt.
type DelegationRecord struct {
	ID         int64            `json:"id,omitempty"`
	FromAgent  string           `json:"fromAgent"`
	ToAgent    string           `json:"toAgent"`
	Task       string           `json:"task"`
	Status     DelegationStatus `json:"status"`
	Result     string           `json:"result"`
	Timestamp  time.Time        `json:"timestamp"`
	DurationMs int64            `json:"durationMs"`
}

// Delegator is the capability the delegation tools need from the broker.
type Delegator interface {
	Delegate(ctx context.Context, req DelegationRequest) DelegationResponse
	ListAgents() []string
}

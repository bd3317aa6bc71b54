package channel

import (
	"fmt"
	"regexp"
	"strings"

	"clawnix/internal/approval"
	"clawnix/internal/domain"
)

const maxApprovalInputLen = 500

var (
	approvalCommandRe = regexp.MustCompile(`^/(allow|deny)\s+(\S+)`)
	callbackDataRe    = regexp.MustCompile(`^(approve|deny):(.+)$`)
)

// ApprovalCommand is a parsed human decision on a pending approval.
type ApprovalCommand struct {
	Decision approval.Decision
	ID       string
}

// ParseApprovalCommand recognizes "/allow <id>" and "/deny <id>".
func ParseApprovalCommand(text string) (ApprovalCommand, bool) {
	m := approvalCommandRe.FindStringSubmatch(text)
	if m == nil {
		return ApprovalCommand{}, false
	}
	return ApprovalCommand{Decision: approval.Decision(m[1]), ID: m[2]}, true
}

// ParseCallbackData recognizes inline button payloads "approve:<id>" and
// "deny:<id>".
func ParseCallbackData(data string) (ApprovalCommand, bool) {
	m := callbackDataRe.FindStringSubmatch(data)
	if m == nil {
		return ApprovalCommand{}, false
	}
	d := approval.Deny
	if m[1] == "approve" {
		d = approval.Allow
	}
	return ApprovalCommand{Decision: d, ID: m[2]}, true
}

// FormatApprovalRequest renders an approval prompt for a human.
func FormatApprovalRequest(req domain.ApprovalRequest) string {
	input := req.Input
	if r := []rune(input); len(r) > maxApprovalInputLen {
		input = string(r[:maxApprovalInputLen]) + "..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed for %s\n", req.Tool)
	fmt.Fprintf(&b, "Input: %s\n", input)
	if req.Requester != "" {
		fmt.Fprintf(&b, "Requested by: %s\n", req.Requester)
	}
	fmt.Fprintf(&b, "Reply /allow %s or /deny %s", req.ID, req.ID)
	return b.String()
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// RouteMethod says how a message was assigned to an agent.
type RouteMethod string

const (
	RoutePrefix         RouteMethod = "prefix"
	RouteClassification RouteMethod = "classification"
	RouteAmbiguous      RouteMethod = "ambiguous"
	RouteSingle         RouteMethod = "single"
)

// AmbiguousReply is the classifier answer for messages that fit no agent.
const AmbiguousReply = "AMBIGUOUS"

var routePrefixRe = regexp.MustCompile(`(?s)^/([a-z])\s+(.+)$`)

// AgentRoute describes one routing target.
type AgentRoute struct {
	Description string
	Prefix      string
}

// RouteResult is the routing decision for one message. Agent is empty when
// the method is RouteAmbiguous.
type RouteResult struct {
	Agent   string
	Message string
	Method  RouteMethod
}

// Classifier picks an agent name for a message given the routing prompt.
type Classifier interface {
	Classify(ctx context.Context, prompt, message string) (string, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, prompt, message string) (string, error)

func (f ClassifierFunc) Classify(ctx context.Context, prompt, message string) (string, error) {
	return f(ctx, prompt, message)
}

// Router assigns incoming messages to one of several agents, first by an
// explicit "/x " prefix and otherwise by asking a classifier.
type Router struct {
	routes   map[string]AgentRoute
	names    []string
	byPrefix map[string]string
	byLower  map[string]string
	logger   *slog.Logger
}

func NewRouter(routes map[string]AgentRoute, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		routes:   make(map[string]AgentRoute, len(routes)),
		byPrefix: make(map[string]string, len(routes)),
		byLower:  make(map[string]string, len(routes)),
		logger:   logger,
	}
	for name, route := range routes {
		r.routes[name] = route
		r.names = append(r.names, name)
		r.byLower[strings.ToLower(name)] = name
	}
	sort.Strings(r.names)
	for _, name := range r.names {
		p := r.routes[name].Prefix
		if p == "" {
			continue
		}
		if prev, taken := r.byPrefix[p]; taken {
			logger.Warn("route prefix already taken", "prefix", p, "agent", name, "owner", prev)
			continue
		}
		r.byPrefix[p] = name
	}
	return r
}

// Agents returns the routable agent names in sorted order.
func (r *Router) Agents() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ParseRoutePrefix splits "/x rest" into its prefix letter and the rest.
func ParseRoutePrefix(text string) (prefix, message string, ok bool) {
	m := routePrefixRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// ClassificationPrompt lists the agents for the classifier, sorted by name.
func (r *Router) ClassificationPrompt() string {
	lines := []string{
		"You route user messages to the correct agent. Reply with ONLY the agent name.",
		"If unclear, reply: " + AmbiguousReply,
		"",
		"Agents:",
	}
	for _, name := range r.names {
		lines = append(lines, fmt.Sprintf("- %s: %s", name, r.routes[name].Description))
	}
	return strings.Join(lines, "\n")
}

// Route decides which agent handles text. A single configured agent always
// wins; a known prefix strips itself from the message; anything else goes to
// the classifier, whose answer must name a configured agent.
func (r *Router) Route(ctx context.Context, text string, classifier Classifier) (RouteResult, error) {
	if len(r.names) == 1 {
		return RouteResult{Agent: r.names[0], Message: text, Method: RouteSingle}, nil
	}

	if prefix, rest, ok := ParseRoutePrefix(text); ok {
		if name, found := r.byPrefix[prefix]; found {
			return RouteResult{Agent: name, Message: rest, Method: RoutePrefix}, nil
		}
	}

	if classifier == nil || len(r.names) == 0 {
		return RouteResult{Message: text, Method: RouteAmbiguous}, nil
	}
	answer, err := classifier.Classify(ctx, r.ClassificationPrompt(), text)
	if err != nil {
		return RouteResult{Message: text, Method: RouteAmbiguous}, fmt.Errorf("classify message: %w", err)
	}
	normalized := strings.ToLower(strings.TrimSpace(answer))
	name, found := r.byLower[normalized]
	if normalized == strings.ToLower(AmbiguousReply) || !found {
		r.logger.Debug("classifier could not pick an agent", "answer", answer)
		return RouteResult{Message: text, Method: RouteAmbiguous}, nil
	}
	return RouteResult{Agent: name, Message: text, Method: RouteClassification}, nil
}

// BuildRoutes derives a route per agent from its description. Each agent
// gets the first letter of its lowercased name as prefix, or the first later
// letter not yet taken. Agents are assigned in name order; an agent whose
// letters are all taken gets no prefix.
func BuildRoutes(descriptions map[string]string) map[string]AgentRoute {
	names := make([]string, 0, len(descriptions))
	for name := range descriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	taken := make(map[string]bool, len(names))
	routes := make(map[string]AgentRoute, len(names))
	for _, name := range names {
		prefix := ""
		for _, c := range strings.ToLower(name) {
			if c < 'a' || c > 'z' {
				continue
			}
			if p := string(c); !taken[p] {
				prefix = p
				break
			}
		}
		if prefix != "" {
			taken[prefix] = true
		}
		routes[name] = AgentRoute{Description: descriptions[name], Prefix: prefix}
	}
	return routes
}

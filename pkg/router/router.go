package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/burrowhq/burrow/pkg/types"
)

// Topology is the read-only view the router resolves against. A registry
// snapshot satisfies it; the indirection keeps this package free of
// registry imports and makes the router a pure function of its inputs.
type Topology interface {
	Exchange(name string) (*types.Exchange, bool)
	Queue(name string) (*types.Queue, bool)
	BindingsFrom(exchange string) []*types.Binding
	Routes() []*types.RouteRule
	Task(name string) (*types.TaskDef, bool)
}

// Result is the outcome of a routing decision. Reason is empty when at
// least one destination matched.
type Result struct {
	Queues []string
	Reason types.Reason
}

// Route computes the ordered destination queues for a publish on exchange
// with the given routing key and headers. The alternate exchange is
// consulted at most once when the primary yields nothing.
func Route(topo Topology, exchange, routingKey string, headers map[string]string) Result {
	ex, ok := topo.Exchange(exchange)
	if !ok {
		return Result{Reason: types.ReasonNoExchange}
	}

	queues := collect(topo, ex, routingKey, headers, map[string]bool{})
	if len(queues) > 0 {
		return Result{Queues: queues}
	}

	if ex.Alternate != "" {
		alt, ok := topo.Exchange(ex.Alternate)
		if !ok {
			return Result{Reason: types.ReasonNoExchange}
		}
		queues = collect(topo, alt, routingKey, headers, map[string]bool{})
		if len(queues) > 0 {
			return Result{Queues: queues}
		}
	}

	return Result{Reason: types.ReasonNoBindingMatch}
}

// collect gathers matching destinations in binding order, following
// exchange-to-exchange bindings depth-first. seen guards against binding
// cycles; dedup preserves first-match order.
func collect(topo Topology, ex *types.Exchange, routingKey string, headers map[string]string, seen map[string]bool) []string {
	if seen[ex.Name] {
		return nil
	}
	seen[ex.Name] = true

	var out []string
	have := map[string]bool{}
	for _, b := range topo.BindingsFrom(ex.Name) {
		if !bindingMatches(ex.Kind, b, routingKey, headers) {
			continue
		}
		switch b.DestKind {
		case types.DestExchange:
			next, ok := topo.Exchange(b.Destination)
			if !ok {
				continue
			}
			for _, q := range collect(topo, next, routingKey, headers, seen) {
				if !have[q] {
					have[q] = true
					out = append(out, q)
				}
			}
		default:
			if _, ok := topo.Queue(b.Destination); !ok {
				continue
			}
			if !have[b.Destination] {
				have[b.Destination] = true
				out = append(out, b.Destination)
			}
		}
	}
	return out
}

func bindingMatches(kind types.ExchangeKind, b *types.Binding, routingKey string, headers map[string]string) bool {
	switch kind {
	case types.ExchangeDirect:
		return b.Key == routingKey
	case types.ExchangeFanout:
		return true
	case types.ExchangeTopic:
		return MatchTopic(b.Key, routingKey)
	case types.ExchangeHeaders:
		return matchHeaders(b.Headers, headers)
	}
	return false
}

func matchHeaders(m *types.HeadersMatch, headers map[string]string) bool {
	if m == nil || len(m.Pairs) == 0 {
		return false
	}
	matched := 0
	for k, v := range m.Pairs {
		if hv, ok := headers[k]; ok && hv == v {
			matched++
		}
	}
	if m.Mode == types.MatchAny {
		return matched > 0
	}
	return matched == len(m.Pairs)
}

// MatchTopic reports whether a dotted routing key matches a topic pattern.
// `*` matches exactly one segment; `#` matches zero or more segments,
// including non-terminally.
func MatchTopic(pattern, key string) bool {
	return matchSegments(splitKey(pattern), splitKey(key))
}

func splitKey(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(pattern[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchSegments(pattern[1:], key[1:])
	}
}

// ValidateTopicPattern checks the topic grammar: dot-separated segments,
// each `*`, `#`, or [A-Za-z0-9_-]+, with no adjacent `#` segments.
func ValidateTopicPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty topic pattern")
	}
	segs := strings.Split(pattern, ".")
	prevHash := false
	for _, seg := range segs {
		switch seg {
		case "*":
			prevHash = false
		case "#":
			if prevHash {
				return fmt.Errorf("topic pattern %q: # must not appear adjacent to itself", pattern)
			}
			prevHash = true
		default:
			if !validSegment(seg) {
				return fmt.Errorf("topic pattern %q: invalid segment %q", pattern, seg)
			}
			prevHash = false
		}
	}
	return nil
}

// ValidateRoutingKey checks a literal dotted routing key
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty routing key")
	}
	for _, seg := range strings.Split(key, ".") {
		if !validSegment(seg) {
			return fmt.Errorf("routing key %q: invalid segment %q", key, seg)
		}
	}
	return nil
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// MatchGlob reports whether name matches a glob pattern where `*` matches
// any run of characters
func MatchGlob(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}

	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(name, parts[i])
		if idx < 0 {
			return false
		}
		name = name[idx+len(parts[i]):]
	}

	return strings.HasSuffix(name, parts[len(parts)-1])
}

// RouteTask resolves the destination queue for a task submission. Active
// rules matching the task name win over the task definition's default
// queue; higher priority wins, with lexicographic rule ID as the
// deterministic tie-break.
func RouteTask(topo Topology, taskName string) (string, error) {
	var matched []*types.RouteRule
	for _, r := range topo.Routes() {
		if r.Active && MatchGlob(r.Pattern, taskName) {
			matched = append(matched, r)
		}
	}

	if len(matched) > 0 {
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Priority != matched[j].Priority {
				return matched[i].Priority > matched[j].Priority
			}
			return matched[i].ID < matched[j].ID
		})
		return matched[0].Queue, nil
	}

	def, ok := topo.Task(taskName)
	if !ok {
		return "", fmt.Errorf("unknown task definition %q", taskName)
	}
	return def.Queue, nil
}

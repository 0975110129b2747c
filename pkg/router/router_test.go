package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/types"
)

// fakeTopo is a hand-built topology view for routing tests
type fakeTopo struct {
	exchanges map[string]*types.Exchange
	queues    map[string]*types.Queue
	bindings  map[string][]*types.Binding
	routes    []*types.RouteRule
	tasks     map[string]*types.TaskDef
}

func (f *fakeTopo) Exchange(name string) (*types.Exchange, bool) {
	ex, ok := f.exchanges[name]
	return ex, ok
}

func (f *fakeTopo) Queue(name string) (*types.Queue, bool) {
	q, ok := f.queues[name]
	return q, ok
}

func (f *fakeTopo) BindingsFrom(exchange string) []*types.Binding {
	return f.bindings[exchange]
}

func (f *fakeTopo) Routes() []*types.RouteRule { return f.routes }

func (f *fakeTopo) Task(name string) (*types.TaskDef, bool) {
	t, ok := f.tasks[name]
	return t, ok
}

func newFakeTopo() *fakeTopo {
	return &fakeTopo{
		exchanges: make(map[string]*types.Exchange),
		queues:    make(map[string]*types.Queue),
		bindings:  make(map[string][]*types.Binding),
		tasks:     make(map[string]*types.TaskDef),
	}
}

func (f *fakeTopo) addExchange(name string, kind types.ExchangeKind) *fakeTopo {
	f.exchanges[name] = &types.Exchange{Name: name, Kind: kind}
	return f
}

func (f *fakeTopo) addQueue(name string) *fakeTopo {
	f.queues[name] = &types.Queue{Name: name}
	return f
}

func (f *fakeTopo) bind(source, dest, key string) *fakeTopo {
	f.bindings[source] = append(f.bindings[source], &types.Binding{
		Source:      source,
		Destination: dest,
		DestKind:    types.DestQueue,
		Key:         key,
	})
	return f
}

// TestMatchTopic tests topic pattern matching against routing keys
func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		match   bool
	}{
		{"exact match", "orders.created", "orders.created", true},
		{"exact mismatch", "orders.created", "orders.updated", false},
		{"star matches one segment", "orders.*.created", "orders.eu.created", true},
		{"star matches different region", "orders.*.created", "orders.us.created", true},
		{"star does not span segments", "orders.*.created", "orders.eu.west.created", false},
		{"star does not match empty position", "orders.*.created", "orders.created", false},
		{"hash matches zero segments", "orders.#", "orders", true},
		{"hash matches many segments", "orders.#", "orders.eu.west.created", true},
		{"bare hash matches everything", "#", "anything.at.all", true},
		{"hash in the middle", "orders.#.created", "orders.eu.west.created", true},
		{"hash in the middle zero segments", "orders.#.created", "orders.created", true},
		{"trailing segment after hash must match", "orders.#.created", "orders.eu.updated", false},
		{"single segment", "orders", "orders", true},
		{"key longer than pattern", "orders", "orders.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, MatchTopic(tt.pattern, tt.key))
		})
	}
}

// TestValidateTopicPattern tests pattern syntax validation
func TestValidateTopicPattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"orders.*.created", false},
		{"orders.#", false},
		{"#", false},
		{"*", false},
		{"orders..created", true},
		{"", true},
		{"orders.cre*ted", true},
		{"orders.c#", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidateTopicPattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestRouteDirect tests exact-key matching on a direct exchange
func TestRouteDirect(t *testing.T) {
	topo := newFakeTopo().
		addExchange("tasks", types.ExchangeDirect).
		addQueue("q1").addQueue("q2").
		bind("tasks", "q1", "alpha").
		bind("tasks", "q2", "beta")

	result := Route(topo, "tasks", "alpha", nil)
	assert.Equal(t, []string{"q1"}, result.Queues)

	result = Route(topo, "tasks", "gamma", nil)
	assert.Empty(t, result.Queues)
	assert.Equal(t, types.ReasonNoBindingMatch, result.Reason)
}

// TestRouteFanout tests that fanout ignores the routing key
func TestRouteFanout(t *testing.T) {
	topo := newFakeTopo().
		addExchange("broadcast", types.ExchangeFanout).
		addQueue("q1").addQueue("q2").
		bind("broadcast", "q1", "").
		bind("broadcast", "q2", "ignored")

	result := Route(topo, "broadcast", "whatever", nil)
	assert.Equal(t, []string{"q1", "q2"}, result.Queues)
}

// TestRouteTopicMultipleMatches tests that every matching topic binding
// receives a copy, deduplicated per queue
func TestRouteTopicMultipleMatches(t *testing.T) {
	topo := newFakeTopo().
		addExchange("events", types.ExchangeTopic).
		addQueue("audit").addQueue("eu").
		bind("events", "audit", "orders.#").
		bind("events", "eu", "orders.eu.*").
		bind("events", "audit", "#")

	result := Route(topo, "events", "orders.eu.created", nil)
	assert.Equal(t, []string{"audit", "eu"}, result.Queues)
}

// TestRouteHeaders tests all/any header matching
func TestRouteHeaders(t *testing.T) {
	topo := newFakeTopo().
		addExchange("hdr", types.ExchangeHeaders).
		addQueue("all-q").addQueue("any-q")
	topo.bindings["hdr"] = []*types.Binding{
		{Source: "hdr", Destination: "all-q", DestKind: types.DestQueue,
			Headers: &types.HeadersMatch{Mode: types.MatchAll, Pairs: map[string]string{"region": "eu", "tier": "gold"}}},
		{Source: "hdr", Destination: "any-q", DestKind: types.DestQueue,
			Headers: &types.HeadersMatch{Mode: types.MatchAny, Pairs: map[string]string{"region": "eu", "tier": "gold"}}},
	}

	tests := []struct {
		name    string
		headers map[string]string
		queues  []string
	}{
		{"both pairs present", map[string]string{"region": "eu", "tier": "gold"}, []string{"all-q", "any-q"}},
		{"one pair present", map[string]string{"region": "eu"}, []string{"any-q"}},
		{"no pairs present", map[string]string{"region": "us"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Route(topo, "hdr", "", tt.headers)
			assert.Equal(t, tt.queues, result.Queues)
		})
	}
}

// TestRouteAlternateExchange tests the alternate-exchange fallback
func TestRouteAlternateExchange(t *testing.T) {
	topo := newFakeTopo().
		addExchange("alt", types.ExchangeFanout).
		addQueue("unrouted").
		bind("alt", "unrouted", "")
	topo.exchanges["main"] = &types.Exchange{Name: "main", Kind: types.ExchangeDirect, Alternate: "alt"}

	result := Route(topo, "main", "nothing-bound", nil)
	assert.Equal(t, []string{"unrouted"}, result.Queues)
}

// TestRouteExchangeToExchange tests binding chains through a second exchange
func TestRouteExchangeToExchange(t *testing.T) {
	topo := newFakeTopo().
		addExchange("front", types.ExchangeTopic).
		addExchange("back", types.ExchangeFanout).
		addQueue("sink").
		bind("back", "sink", "")
	topo.bindings["front"] = append(topo.bindings["front"], &types.Binding{
		Source: "front", Destination: "back", DestKind: types.DestExchange, Key: "orders.#",
	})

	result := Route(topo, "front", "orders.created", nil)
	assert.Equal(t, []string{"sink"}, result.Queues)
}

// TestRouteMissingExchange tests the unknown-exchange reason
func TestRouteMissingExchange(t *testing.T) {
	result := Route(newFakeTopo(), "ghost", "k", nil)
	assert.Equal(t, types.ReasonNoExchange, result.Reason)
}

// TestRouteTask tests task-to-queue resolution precedence
func TestRouteTask(t *testing.T) {
	topo := newFakeTopo().addQueue("default-q").addQueue("rule-q")
	topo.tasks["billing.charge"] = &types.TaskDef{Name: "billing.charge", Queue: "default-q"}
	topo.tasks["homeless.task"] = &types.TaskDef{Name: "homeless.task"}

	t.Run("task default queue", func(t *testing.T) {
		queue, err := RouteTask(topo, "billing.charge")
		require.NoError(t, err)
		assert.Equal(t, "default-q", queue)
	})

	t.Run("route rule wins over default", func(t *testing.T) {
		topo.routes = []*types.RouteRule{
			{ID: "r1", Pattern: "billing.*", Queue: "rule-q", Priority: 10, Active: true},
		}
		queue, err := RouteTask(topo, "billing.charge")
		require.NoError(t, err)
		assert.Equal(t, "rule-q", queue)
	})

	t.Run("inactive rule is skipped", func(t *testing.T) {
		topo.routes = []*types.RouteRule{
			{ID: "r1", Pattern: "billing.*", Queue: "rule-q", Priority: 10, Active: false},
		}
		queue, err := RouteTask(topo, "billing.charge")
		require.NoError(t, err)
		assert.Equal(t, "default-q", queue)
	})

	t.Run("higher priority rule wins", func(t *testing.T) {
		topo.routes = []*types.RouteRule{
			{ID: "r1", Pattern: "billing.*", Queue: "rule-q", Priority: 1, Active: true},
			{ID: "r2", Pattern: "*.charge", Queue: "default-q", Priority: 5, Active: true},
		}
		queue, err := RouteTask(topo, "billing.charge")
		require.NoError(t, err)
		assert.Equal(t, "default-q", queue)
	})

	t.Run("no rule and no default yields empty queue", func(t *testing.T) {
		topo.routes = nil
		queue, err := RouteTask(topo, "homeless.task")
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := RouteTask(topo, "ghost.task")
		assert.Error(t, err)
	})
}

// TestMatchGlob tests the glob used by task route rules
func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"billing.*", "billing.charge", true},
		{"billing.*", "billing", false},
		{"*", "anything", true},
		{"*.charge", "billing.charge", true},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
		{"exact", "exact", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, MatchGlob(tt.pattern, tt.name))
		})
	}
}

package topology

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/burrowhq/burrow/pkg/types"
)

// File is the top-level shape of a declarative topology file. Entities
// are applied in dependency order: exchanges, queues, bindings, tasks,
// routes, jobs, workflows.
type File struct {
	Exchanges []ExchangeSpec `yaml:"exchanges,omitempty"`
	Queues    []QueueSpec    `yaml:"queues,omitempty"`
	Bindings  []BindingSpec  `yaml:"bindings,omitempty"`
	Tasks     []TaskSpec     `yaml:"tasks,omitempty"`
	Routes    []RouteSpec    `yaml:"routes,omitempty"`
	Jobs      []JobSpec      `yaml:"jobs,omitempty"`
	Workflows []WorkflowSpec `yaml:"workflows,omitempty"`
}

// ExchangeSpec declares an exchange in YAML
type ExchangeSpec struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Alternate string `yaml:"alternate,omitempty"`
	Durable   bool   `yaml:"durable,omitempty"`
}

// QueueSpec declares a queue in YAML
type QueueSpec struct {
	Name           string   `yaml:"name"`
	Capabilities   []string `yaml:"capabilities,omitempty"`
	MaxLength      int      `yaml:"maxLength,omitempty"`
	MaxLengthBytes int64    `yaml:"maxLengthBytes,omitempty"`
	MessageTTL     string   `yaml:"messageTTL,omitempty"`
	Ordering       string   `yaml:"ordering,omitempty"`
	Placement      string   `yaml:"placement,omitempty"`
	PriorityLevels int      `yaml:"priorityLevels,omitempty"`
	DeadLetter     *struct {
		Exchange   string `yaml:"exchange"`
		RoutingKey string `yaml:"routingKey,omitempty"`
	} `yaml:"deadLetter,omitempty"`
}

// BindingSpec declares a binding in YAML
type BindingSpec struct {
	Source      string            `yaml:"source"`
	Destination string            `yaml:"destination"`
	DestKind    string            `yaml:"destKind,omitempty"` // queue (default) or exchange
	Key         string            `yaml:"key,omitempty"`
	Match       string            `yaml:"match,omitempty"` // all or any, headers exchanges only
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// TaskSpec declares a task definition in YAML
type TaskSpec struct {
	Name            string `yaml:"name"`
	Queue           string `yaml:"queue"`
	AckMode         string `yaml:"ackMode,omitempty"`
	RequeueOnNack   bool   `yaml:"requeueOnNack,omitempty"`
	SoftTimeLimit   string `yaml:"softTimeLimit,omitempty"`
	HardTimeLimit   string `yaml:"hardTimeLimit,omitempty"`
	ResultRetention int    `yaml:"resultRetention,omitempty"`
	RateLimit       *struct {
		Requests int    `yaml:"requests"`
		Window   string `yaml:"window"`
		Burst    int    `yaml:"burst,omitempty"`
	} `yaml:"rateLimit,omitempty"`
	Retry *RetrySpec `yaml:"retry,omitempty"`
}

// RetrySpec declares a retry policy in YAML
type RetrySpec struct {
	MaxAttempts int     `yaml:"maxAttempts"`
	Initial     string  `yaml:"initial,omitempty"`
	Multiplier  float64 `yaml:"multiplier,omitempty"`
	Cap         string  `yaml:"cap,omitempty"`
	Jitter      float64 `yaml:"jitter,omitempty"`
}

// RouteSpec declares a route rule in YAML
type RouteSpec struct {
	ID       string `yaml:"id"`
	Pattern  string `yaml:"pattern"`
	Queue    string `yaml:"queue"`
	Priority int    `yaml:"priority,omitempty"`
	Active   *bool  `yaml:"active,omitempty"`
}

// JobSpec declares a job definition in YAML
type JobSpec struct {
	Name            string     `yaml:"name"`
	Queue           string     `yaml:"queue"`
	Trigger         string     `yaml:"trigger"`
	Cron            string     `yaml:"cron,omitempty"`
	AllowLW         bool       `yaml:"allowLW,omitempty"`
	Interval        string     `yaml:"interval,omitempty"`
	At              string     `yaml:"at,omitempty"` // RFC 3339
	DependsOn       []string   `yaml:"dependsOn,omitempty"`
	DependencyState string     `yaml:"dependencyState,omitempty"`
	Retry           *RetrySpec `yaml:"retry,omitempty"`
	AlertOnFailure  bool       `yaml:"alertOnFailure,omitempty"`
	Resources       *struct {
		CPU    float64 `yaml:"cpu,omitempty"`
		Memory int64   `yaml:"memory,omitempty"`
		Slots  int     `yaml:"slots,omitempty"`
	} `yaml:"resources,omitempty"`
}

// WorkflowSpec declares a workflow graph in YAML
type WorkflowSpec struct {
	Name          string           `yaml:"name"`
	Version       int              `yaml:"version,omitempty"`
	HistoryLimit  int              `yaml:"historyLimit,omitempty"`
	HistoryMaxAge string           `yaml:"historyMaxAge,omitempty"`
	Nodes         []NodeSpec       `yaml:"nodes"`
	Transitions   []TransitionSpec `yaml:"transitions"`
}

// NodeSpec declares a workflow node in YAML
type NodeSpec struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name,omitempty"`
	Kind          string            `yaml:"kind"` // task, gateway, event
	Gateway       string            `yaml:"gateway,omitempty"`
	Event         string            `yaml:"event,omitempty"`
	TaskDef       string            `yaml:"taskDef,omitempty"`
	Human         bool              `yaml:"human,omitempty"`
	OutputMapping map[string]string `yaml:"outputMapping,omitempty"`
	AttachedTo    string            `yaml:"attachedTo,omitempty"`
	Interrupting  bool              `yaml:"interrupting,omitempty"`
	Timer         *struct {
		Duration string `yaml:"duration,omitempty"` // ISO 8601, e.g. PT5S
		At       string `yaml:"at,omitempty"`
		Repeat   int    `yaml:"repeat,omitempty"`
		Every    string `yaml:"every,omitempty"`
	} `yaml:"timer,omitempty"`
}

// TransitionSpec declares a transition in YAML
type TransitionSpec struct {
	ID      string `yaml:"id"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Guard   string `yaml:"guard,omitempty"`
	Order   int    `yaml:"order,omitempty"`
	Default bool   `yaml:"default,omitempty"`
	Loop    bool   `yaml:"loop,omitempty"`
}

// LoadFile reads a topology YAML file and applies every declaration to
// the registry, replacing by name
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read topology file: %w", err)
	}
	return r.Load(data)
}

// Load applies topology YAML to the registry
func (r *Registry) Load(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse topology YAML: %w", err)
	}

	for _, e := range f.Exchanges {
		if err := r.ReplaceExchange(types.Exchange{
			Name:      e.Name,
			Kind:      types.ExchangeKind(e.Kind),
			Alternate: e.Alternate,
			Durable:   e.Durable,
		}); err != nil {
			return err
		}
	}

	for _, q := range f.Queues {
		ttl, err := optDuration(q.MessageTTL)
		if err != nil {
			return invalid("queue", q.Name, "%v", err)
		}
		decl := types.Queue{
			Name:             q.Name,
			CapabilityLabels: q.Capabilities,
			MaxLength:        q.MaxLength,
			MaxLengthBytes:   q.MaxLengthBytes,
			MessageTTL:       ttl,
			Ordering:         types.Ordering(q.Ordering),
			Placement:        types.PlacementStrategy(q.Placement),
			PriorityLevels:   q.PriorityLevels,
		}
		if q.DeadLetter != nil {
			decl.DeadLetter = &types.DeadLetterTarget{
				Exchange:   q.DeadLetter.Exchange,
				RoutingKey: q.DeadLetter.RoutingKey,
			}
		}
		if decl.Ordering == "" {
			decl.Ordering = types.OrderingFIFO
		}
		if decl.Placement == "" {
			decl.Placement = types.PlaceLeastLoaded
		}
		if err := r.ReplaceQueue(decl); err != nil {
			return err
		}
	}

	for _, b := range f.Bindings {
		decl := types.Binding{
			Source:      b.Source,
			Destination: b.Destination,
			DestKind:    types.BindingDestKind(b.DestKind),
			Key:         b.Key,
		}
		if len(b.Headers) > 0 {
			mode := types.HeadersMatchMode(b.Match)
			if mode == "" {
				mode = types.MatchAll
			}
			decl.Headers = &types.HeadersMatch{Mode: mode, Pairs: b.Headers}
		}
		if err := r.DeclareBinding(decl); err != nil {
			return err
		}
	}

	for _, t := range f.Tasks {
		soft, err := optDuration(t.SoftTimeLimit)
		if err != nil {
			return invalid("task", t.Name, "%v", err)
		}
		hard, err := optDuration(t.HardTimeLimit)
		if err != nil {
			return invalid("task", t.Name, "%v", err)
		}
		decl := types.TaskDef{
			Name:            t.Name,
			Queue:           t.Queue,
			AckMode:         types.AckMode(t.AckMode),
			RequeueOnNack:   t.RequeueOnNack,
			SoftTimeLimit:   soft,
			HardTimeLimit:   hard,
			ResultRetention: t.ResultRetention,
		}
		if decl.AckMode == "" {
			decl.AckMode = types.AckManual
		}
		if t.RateLimit != nil {
			window, err := optDuration(t.RateLimit.Window)
			if err != nil {
				return invalid("task", t.Name, "%v", err)
			}
			decl.RateLimit = &types.RateLimitSpec{
				Requests: t.RateLimit.Requests,
				Window:   window,
				Burst:    t.RateLimit.Burst,
			}
		}
		if t.Retry != nil {
			retry, err := t.Retry.policy()
			if err != nil {
				return invalid("task", t.Name, "%v", err)
			}
			decl.Retry = retry
		}
		if err := r.ReplaceTask(decl); err != nil {
			return err
		}
	}

	for _, rt := range f.Routes {
		active := true
		if rt.Active != nil {
			active = *rt.Active
		}
		if err := r.DeclareRoute(types.RouteRule{
			ID:       rt.ID,
			Pattern:  rt.Pattern,
			Queue:    rt.Queue,
			Priority: rt.Priority,
			Active:   active,
		}); err != nil {
			return err
		}
	}

	for _, j := range f.Jobs {
		interval, err := optDuration(j.Interval)
		if err != nil {
			return invalid("job", j.Name, "%v", err)
		}
		decl := types.JobDef{
			Name:            j.Name,
			Queue:           j.Queue,
			Trigger:         types.TriggerKind(j.Trigger),
			CronExpr:        j.Cron,
			AllowLW:         j.AllowLW,
			Interval:        interval,
			DependsOn:       j.DependsOn,
			DependencyState: types.DependencyState(j.DependencyState),
			AlertOnFailure:  j.AlertOnFailure,
		}
		if j.At != "" {
			at, err := time.Parse(time.RFC3339, j.At)
			if err != nil {
				return invalid("job", j.Name, "invalid fire time: %v", err)
			}
			decl.At = at
		}
		if j.Resources != nil {
			decl.ResourceAsk = types.ResourceAsk{
				CPU:         j.Resources.CPU,
				MemoryBytes: j.Resources.Memory,
				Slots:       j.Resources.Slots,
			}
		}
		if j.Retry != nil {
			retry, err := j.Retry.policy()
			if err != nil {
				return invalid("job", j.Name, "%v", err)
			}
			decl.Retry = retry
		}
		if err := r.ReplaceJob(decl); err != nil {
			return err
		}
	}

	for _, w := range f.Workflows {
		def, err := w.definition()
		if err != nil {
			return err
		}
		if err := r.ReplaceWorkflow(*def); err != nil {
			return err
		}
	}

	return nil
}

func (rs *RetrySpec) policy() (types.RetryPolicy, error) {
	initial, err := optDuration(rs.Initial)
	if err != nil {
		return types.RetryPolicy{}, err
	}
	cap, err := optDuration(rs.Cap)
	if err != nil {
		return types.RetryPolicy{}, err
	}
	mult := rs.Multiplier
	if mult == 0 {
		mult = 2
	}
	return types.RetryPolicy{
		MaxAttempts: rs.MaxAttempts,
		Backoff: types.BackoffSpec{
			Initial:    initial,
			Multiplier: mult,
			Cap:        cap,
			Jitter:     rs.Jitter,
		},
	}, nil
}

func (w *WorkflowSpec) definition() (*types.WorkflowDef, error) {
	historyAge, err := optDuration(w.HistoryMaxAge)
	if err != nil {
		return nil, invalid("workflow", w.Name, "%v", err)
	}
	def := &types.WorkflowDef{
		Name:          w.Name,
		Version:       w.Version,
		HistoryLimit:  w.HistoryLimit,
		HistoryMaxAge: historyAge,
	}

	for _, n := range w.Nodes {
		node := types.WorkflowNode{
			ID:            n.ID,
			Name:          n.Name,
			Kind:          types.NodeKind(n.Kind),
			Gateway:       types.GatewayKind(n.Gateway),
			Event:         types.EventKind(n.Event),
			TaskDef:       n.TaskDef,
			Human:         n.Human,
			OutputMapping: n.OutputMapping,
			AttachedTo:    n.AttachedTo,
			Interrupting:  n.Interrupting,
		}
		if n.Timer != nil {
			spec := &types.TimerSpec{Repeat: n.Timer.Repeat}
			if n.Timer.Duration != "" {
				d, err := ParseISODuration(n.Timer.Duration)
				if err != nil {
					return nil, invalid("workflow", w.Name, "node %q: %v", n.ID, err)
				}
				spec.Duration = d
			}
			if n.Timer.Every != "" {
				d, err := ParseISODuration(n.Timer.Every)
				if err != nil {
					return nil, invalid("workflow", w.Name, "node %q: %v", n.ID, err)
				}
				spec.Every = d
			}
			if n.Timer.At != "" {
				at, err := time.Parse(time.RFC3339, n.Timer.At)
				if err != nil {
					return nil, invalid("workflow", w.Name, "node %q: invalid timer date: %v", n.ID, err)
				}
				spec.At = at
			}
			node.Timer = spec
		}
		def.Nodes = append(def.Nodes, node)
	}

	for _, t := range w.Transitions {
		def.Transitions = append(def.Transitions, types.Transition{
			ID:      t.ID,
			From:    t.From,
			To:      t.To,
			Guard:   t.Guard,
			Order:   t.Order,
			Default: t.Default,
			Loop:    t.Loop,
		})
	}
	return def, nil
}

func optDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

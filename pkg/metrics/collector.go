package metrics

import (
	"time"
)

// Source exposes the gauge readings the collector samples. The engine
// implements this; the indirection keeps this package free of engine imports.
type Source interface {
	QueueDepths() map[string]int
	StrandedQueues() map[string]bool
	WorkerCounts() map[string]int // keyed by worker state
	ActiveLeases() int
	DelayQueueDepth() int
	WorkflowCounts() map[string]map[string]int // workflow -> state -> count
}

// Collector periodically samples gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for queue, depth := range c.source.QueueDepths() {
		QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}

	for queue, stranded := range c.source.StrandedQueues() {
		v := 0.0
		if stranded {
			v = 1.0
		}
		QueueStranded.WithLabelValues(queue).Set(v)
	}

	for state, count := range c.source.WorkerCounts() {
		WorkersTotal.WithLabelValues(state).Set(float64(count))
	}

	LeasesActive.Set(float64(c.source.ActiveLeases()))
	DelayQueueDepth.Set(float64(c.source.DelayQueueDepth()))

	for workflow, states := range c.source.WorkflowCounts() {
		for state, count := range states {
			WorkflowInstances.WithLabelValues(workflow, state).Set(float64(count))
		}
	}
}

package metrics

import (
	"time"
)

// Snapshot is the gauge state a source reports.
type Snapshot struct {
	JobsByStatus   map[string]int
	RobotsByStatus map[string]int
	QueueDepth     int
	RobotSessions  int
}

// Source supplies periodic gauge snapshots, implemented by the engine.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector refreshes the fleet gauges from a source.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a collector polling source every interval
// (default 15s).
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting. The first snapshot is taken immediately.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)

		c.collect()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	snap := c.source.MetricsSnapshot()

	JobsTotal.Reset()
	for status, count := range snap.JobsByStatus {
		JobsTotal.WithLabelValues(status).Set(float64(count))
	}

	RobotsTotal.Reset()
	for status, count := range snap.RobotsByStatus {
		RobotsTotal.WithLabelValues(status).Set(float64(count))
	}

	QueueDepth.Set(float64(snap.QueueDepth))
	RobotSessions.Set(float64(snap.RobotSessions))
}

package otelinit

import "go.opentelemetry.io/otel/metric"

// Metrics holds the kernel's metric instruments: command durations,
// queue depth, dispatch/completion/failure/reclaim counts, and
// supervisor restarts, one instrument per thing an operator would
// otherwise have to grep logs to count.
type Metrics struct {
	CommandDuration    metric.Float64Histogram
	CommandErrors      metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	TasksDispatched    metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksReclaimed     metric.Int64Counter
	SupervisorRestarts metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram("orchestrator.command.duration",
		metric.WithDescription("Multiplexer command round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandErrors, err = meter.Int64Counter("orchestrator.command.errors",
		metric.WithDescription("Multiplexer commands that resolved as errors or timeouts"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("orchestrator.queue.depth",
		metric.WithDescription("Tasks currently waiting in the durable queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("orchestrator.tasks.dispatched",
		metric.WithDescription("Tasks handed to a subordinate agent"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("orchestrator.tasks.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("orchestrator.tasks.failed",
		metric.WithDescription("Tasks that reached a terminal failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReclaimed, err = meter.Int64Counter("orchestrator.tasks.reclaimed",
		metric.WithDescription("Tasks reclaimed from a stalled worker"),
	)
	if err != nil {
		return nil, err
	}

	m.SupervisorRestarts, err = meter.Int64Counter("orchestrator.supervisor.restarts",
		metric.WithDescription("Child process restarts performed by the supervisor"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

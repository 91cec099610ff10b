// Package telemetry is the run's write-only event sink (spec.md §5): every
// task/command lifecycle transition is emitted as an Event on a buffered
// channel for an optional external consumer, and mirrored into Prometheus
// counters/histograms for scraping.
package telemetry

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventTaskStart    EventKind = "task_start"
	EventTaskStop     EventKind = "task_stop"
	EventCommandStart EventKind = "command_start"
	EventCommandStop  EventKind = "command_stop"
	EventCommandRetry EventKind = "command_retry"
)

// Event is one emitted telemetry record. ID correlates a command's
// start/retry/stop events within one run.
type Event struct {
	ID      string
	Kind    EventKind
	Task    string
	Host    string
	Command string
	Attempt int
	Status  string // set on *_stop events
	At      time.Time
}

var (
	taskStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_task_starts_total",
			Help: "Total number of task runs started, by task name.",
		},
		[]string{"task"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_task_duration_seconds",
			Help:    "Task run duration in seconds, by task name and final status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task", "status"},
	)
	commandStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_command_starts_total",
			Help: "Total number of command attempts started, by task and host.",
		},
		[]string{"task", "host"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_command_duration_seconds",
			Help:    "Command attempt duration in seconds, by task, host and final status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task", "host", "status"},
	)
	commandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_command_retries_total",
			Help: "Total number of command retries, by task and host.",
		},
		[]string{"task", "host"},
	)
)

func init() {
	prometheus.MustRegister(taskStarts)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(commandStarts)
	prometheus.MustRegister(commandDuration)
	prometheus.MustRegister(commandRetries)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder bridges runner/pipeline lifecycle calls into both the
// Prometheus collectors above and an Event channel. The zero value is not
// usable; build one with NewRecorder.
type Recorder struct {
	events chan Event
}

// NewRecorder builds a Recorder whose Events channel is buffered to
// bufSize; a full channel drops the event rather than blocking the run
// (telemetry must never slow down or deadlock task execution).
func NewRecorder(bufSize int) *Recorder {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Recorder{events: make(chan Event, bufSize)}
}

// Events returns the read side of the event channel for an external
// consumer (e.g. a log-shipping goroutine). Never closed by Recorder.
func (r *Recorder) Events() <-chan Event {
	return r.events
}

func (r *Recorder) emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case r.events <- e:
	default:
	}
}

// TaskStarted records a task run beginning and returns a func to call when
// it finishes, which records the matching stop event and duration.
func (r *Recorder) TaskStarted(task string) func(status string) {
	id := uuid.NewString()
	start := time.Now()
	taskStarts.WithLabelValues(task).Inc()
	r.emit(Event{ID: id, Kind: EventTaskStart, Task: task})

	return func(status string) {
		taskDuration.WithLabelValues(task, status).Observe(time.Since(start).Seconds())
		r.emit(Event{ID: id, Kind: EventTaskStop, Task: task, Status: status})
	}
}

// CommandStarted records one command attempt beginning and returns a func
// to call when that attempt finishes.
func (r *Recorder) CommandStarted(task, host, command string, attempt int) func(status string) {
	id := uuid.NewString()
	start := time.Now()
	commandStarts.WithLabelValues(task, host).Inc()
	r.emit(Event{ID: id, Kind: EventCommandStart, Task: task, Host: host, Command: command, Attempt: attempt})

	return func(status string) {
		commandDuration.WithLabelValues(task, host, status).Observe(time.Since(start).Seconds())
		r.emit(Event{ID: id, Kind: EventCommandStop, Task: task, Host: host, Command: command, Attempt: attempt, Status: status})
	}
}

// CommandRetried records a command attempt being retried.
func (r *Recorder) CommandRetried(task, host, command string, attempt int) {
	commandRetries.WithLabelValues(task, host).Inc()
	r.emit(Event{Kind: EventCommandRetry, Task: task, Host: host, Command: command, Attempt: attempt})
}

// Package metrics defines the metric names and tag conventions shared by the
// engine's services, on top of the statsd sink.
package metrics

import (
	"time"

	obserrors "github.com/latticeworks/dispatchq/internal/observability/errors"
	"github.com/latticeworks/dispatchq/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures one job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Queue      string
	Status     string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits the standard lifecycle metrics for a transition:
// a "job.transition" count, and a "job.duration" timing when one was measured.
// Empty tag values are dropped to keep the series tidy.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := make(map[string]string, 6)
	addTag(tags, "job_type", in.JobType)
	addTag(tags, "queue", in.Queue)
	addTag(tags, "status", in.Status)
	addTag(tags, "transition", in.Transition)
	addTag(tags, "result", in.Result)

	if in.Err != nil && in.Result == ResultError {
		addTag(tags, "error_class", obserrors.Classify(in.Err))
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

func addTag(tags map[string]string, key, value string) {
	if value != "" {
		tags[key] = value
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

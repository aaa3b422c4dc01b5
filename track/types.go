// Package track is a client for recording training runs on an experiment tracking service.
//
// A Project creates Experiments. An Experiment wraps the epoch and batch loops of a training
// run, tags each metric update with the current epoch, batch and phase, and streams the
// points to a Sink in the background.
package track

import (
	"context"
	"time"
)

// Phase of training a metric was recorded in
type Phase string

const (
	Train      Phase = "train"
	Validation Phase = "val"
)

// Prefix returns the metric name prefix used by the tracking service, e.g. ml_val_
func (p Phase) Prefix() string {
	return "ml_" + string(p) + "_"
}

// Status of an experiment
type Status string

const (
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Point is a single metric value. Seq numbers the points of an experiment from 1 so that
// a server can discard points it already holds when a write is retried.
type Point struct {
	Seq       int       `json:"seq,omitempty"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Phase     Phase     `json:"phase"`
	Epoch     int       `json:"epoch"`
	Batch     int       `json:"batch"`
	Iteration int       `json:"iteration"`
	Time      time.Time `json:"time"`
}

// Info describes an experiment when it is created
type Info struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Model     string            `json:"model"`
	Optimizer string            `json:"optimizer"`
	TrainData string            `json:"train_data"`
	Metrics   []string          `json:"metrics"`
	Params    map[string]string `json:"params,omitempty"`
	Started   time.Time         `json:"started"`
}

// End is sent when an experiment is closed
type End struct {
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Points   int       `json:"points"`
	Finished time.Time `json:"finished"`
}

// Sink receives experiment events. Write may be called with batches of points from a background goroutine
// and must not retain the slice after returning.
type Sink interface {
	Begin(ctx context.Context, info Info) error
	Write(ctx context.Context, id string, points []Point) error
	End(ctx context.Context, id string, end End) error
}

// EpochSink is implemented by sinks which want an event at the end of each epoch.
// It is called after the points recorded during the epoch have been written.
type EpochSink interface {
	EndEpoch(ctx context.Context, id string, epoch int) error
}

// API wire types for the HTTP sink
type (
	CreateResponse struct {
		ID      string `json:"id"`
		Project string `json:"project"`
	}

	MetricsRequest struct {
		Points []Point `json:"points"`
	}

	MetricsResponse struct {
		Accepted int `json:"accepted"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)

package track

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"
)

// LogSink prints experiment events with the standard logger. Points are only logged if Verbose is set.
type LogSink struct {
	Verbose bool
}

func (s LogSink) Begin(ctx context.Context, info Info) error {
	log.Printf("experiment %s: model=%s optimizer=%s data=%s metrics=%v", info.ID, info.Model, info.Optimizer, info.TrainData, info.Metrics)
	return nil
}

func (s LogSink) Write(ctx context.Context, id string, points []Point) error {
	if s.Verbose {
		for _, p := range points {
			log.Printf("experiment %s: epoch %d batch %d %s=%.6g", id, p.Epoch, p.Batch, p.Name, p.Value)
		}
	}
	return nil
}

func (s LogSink) EndEpoch(ctx context.Context, id string, epoch int) error {
	log.Printf("experiment %s: epoch %d done", id, epoch)
	return nil
}

func (s LogSink) End(ctx context.Context, id string, end End) error {
	if end.Error != "" {
		log.Printf("experiment %s: %s after %d points: %s", id, end.Status, end.Points, end.Error)
	} else {
		log.Printf("experiment %s: %s after %d points", id, end.Status, end.Points)
	}
	return nil
}

// MemorySink keeps all events in memory
type MemorySink struct {
	sync.Mutex
	Infos  []Info
	Points map[string][]Point
	Ends   map[string]End
	Epochs map[string][]int
	Writes int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{Points: make(map[string][]Point), Ends: make(map[string]End), Epochs: make(map[string][]int)}
}

func (s *MemorySink) Begin(ctx context.Context, info Info) error {
	s.Lock()
	defer s.Unlock()
	s.Infos = append(s.Infos, info)
	return nil
}

func (s *MemorySink) Write(ctx context.Context, id string, points []Point) error {
	s.Lock()
	defer s.Unlock()
	s.Points[id] = append(s.Points[id], points...)
	s.Writes++
	return nil
}

func (s *MemorySink) EndEpoch(ctx context.Context, id string, epoch int) error {
	s.Lock()
	defer s.Unlock()
	s.Epochs[id] = append(s.Epochs[id], epoch)
	return nil
}

func (s *MemorySink) End(ctx context.Context, id string, end End) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.Ends[id]; ok {
		return errors.Errorf("experiment %s already ended", id)
	}
	s.Ends[id] = end
	return nil
}

// Get returns a copy of the points recorded for an experiment
func (s *MemorySink) Get(id string) []Point {
	s.Lock()
	defer s.Unlock()
	return append([]Point(nil), s.Points[id]...)
}

// MultiSink sends each event to all of its sinks. Begin fails if any sink fails, the other methods
// return the first error after calling every sink.
type MultiSink []Sink

func (m MultiSink) Begin(ctx context.Context, info Info) error {
	for _, s := range m {
		if err := s.Begin(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Write(ctx context.Context, id string, points []Point) (err error) {
	for _, s := range m {
		if e := s.Write(ctx, id, points); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// EndEpoch is passed on to the sinks which implement EpochSink
func (m MultiSink) EndEpoch(ctx context.Context, id string, epoch int) (err error) {
	for _, s := range m {
		if es, ok := s.(EpochSink); ok {
			if e := es.EndEpoch(ctx, id, epoch); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}

func (m MultiSink) End(ctx context.Context, id string, end End) (err error) {
	for _, s := range m {
		if e := s.End(ctx, id, end); e != nil && err == nil {
			err = e
		}
	}
	return err
}

package track

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jnb666/convtrack/stats"
	"github.com/pkg/errors"
)

var (
	ErrClosed        = errors.New("track: experiment is closed")
	ErrNestedTest    = errors.New("track: test scope is already active")
	ErrUnknownMetric = errors.New("track: metric was not declared")
	ErrInvalidValue  = errors.New("track: metric value is not finite")
)

// Options control how metric points are buffered
type Options struct {
	QueueSize     int
	FlushSize     int
	FlushInterval time.Duration
}

func DefaultOptions() Options {
	return Options{QueueSize: 1024, FlushSize: 100, FlushInterval: 2 * time.Second}
}

// Project is the entry point for creating experiments
type Project struct {
	Name string
	opts Options
	sink Sink
}

// NewProject returns a project which sends events to sink
func NewProject(name string, sink Sink, opts Options) *Project {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.FlushSize <= 0 {
		opts.FlushSize = def.FlushSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	return &Project{Name: name, opts: opts, sink: sink}
}

// CreateExperiment registers a new experiment with the sink and starts the background writer.
// The caller must Close the experiment when done.
func (p *Project) CreateExperiment(ctx context.Context, info Info) (*Experiment, error) {
	if len(info.Metrics) == 0 {
		return nil, errors.New("track: no metrics declared")
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	info.Project = p.Name
	info.Started = time.Now().UTC()
	if err := p.sink.Begin(ctx, info); err != nil {
		return nil, errors.Wrap(err, "track: create experiment")
	}
	e := &Experiment{
		Info:    info,
		sink:    p.sink,
		opts:    p.opts,
		phase:   Train,
		status:  Running,
		metrics: make(map[string]bool),
		summary: make(map[string]*stats.Average),
		queue:   make(chan item, p.opts.QueueSize),
	}
	for _, name := range info.Metrics {
		e.metrics[name] = true
	}
	e.wg.Add(1)
	go e.writer(context.WithoutCancel(ctx))
	log.Printf("track: experiment %s created in project %q", info.ID, p.Name)
	return e, nil
}

// queued point, or flush request if ack is set
type item struct {
	point Point
	epoch int
	ack   chan struct{}
}

// Experiment records metrics for one training run
type Experiment struct {
	Info
	sink      Sink
	opts      Options
	metrics   map[string]bool
	mu        sync.Mutex
	epoch     int
	batch     int
	iteration int
	phase     Phase
	inTest    bool
	qmu       sync.RWMutex
	closed    bool
	status    Status
	failure   string
	points    int
	summary   map[string]*stats.Average
	writeErrs int
	queue     chan item
	wg        sync.WaitGroup
}

// EpochLoop calls fn for each epoch numbered from 1. It stops at the first error or when ctx is done,
// marking the experiment as failed or cancelled.
func (e *Experiment) EpochLoop(ctx context.Context, epochs int, fn func(epoch int) error) error {
	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return e.Fail(err)
		}
		e.mu.Lock()
		e.epoch, e.batch = epoch, 0
		e.mu.Unlock()
		if err := fn(epoch); err != nil {
			return e.Fail(err)
		}
		e.endEpoch(epoch)
	}
	return nil
}

// BatchLoop calls fn for each batch numbered from 0, the iteration counter increases across epochs.
func (e *Experiment) BatchLoop(ctx context.Context, batches int, fn func(batch int) error) error {
	for batch := 0; batch < batches; batch++ {
		if err := ctx.Err(); err != nil {
			return e.Fail(err)
		}
		e.mu.Lock()
		e.batch = batch
		e.iteration++
		e.mu.Unlock()
		if err := fn(batch); err != nil {
			return e.Fail(err)
		}
	}
	return nil
}

// Test runs fn with metrics recorded in the validation phase, pending points are flushed on return.
func (e *Experiment) Test(fn func() error) error {
	e.mu.Lock()
	if e.inTest {
		e.mu.Unlock()
		return ErrNestedTest
	}
	e.inTest = true
	e.phase = Validation
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inTest = false
		e.phase = Train
		e.mu.Unlock()
		e.Flush()
	}()
	return fn()
}

// UpdateMetric records a value for a declared metric, tagged with the current phase, epoch and batch.
func (e *Experiment) UpdateMetric(name string, value float64) error {
	if !e.metrics[name] {
		return errors.Wrap(ErrUnknownMetric, name)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Wrapf(ErrInvalidValue, "%s=%v", name, value)
	}
	e.qmu.RLock()
	defer e.qmu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	e.mu.Lock()
	e.points++
	p := Point{
		Seq:       e.points,
		Name:      e.phase.Prefix() + name,
		Value:     value,
		Phase:     e.phase,
		Epoch:     e.epoch,
		Batch:     e.batch,
		Iteration: e.iteration,
		Time:      time.Now().UTC(),
	}
	s, ok := e.summary[p.Name]
	if !ok {
		s = new(stats.Average)
		e.summary[p.Name] = s
	}
	s.Add(value)
	e.mu.Unlock()
	e.queue <- item{point: p}
	return nil
}

// Flush blocks until all points queued so far have been passed to the sink
func (e *Experiment) Flush() {
	e.sync(item{})
}

// flush pending points then send the epoch end event to sinks which accept it
func (e *Experiment) endEpoch(epoch int) {
	e.sync(item{epoch: epoch})
}

// queue a request for the writer and wait until it has been handled
func (e *Experiment) sync(it item) {
	e.qmu.RLock()
	if e.closed {
		e.qmu.RUnlock()
		return
	}
	it.ack = make(chan struct{})
	e.queue <- it
	e.qmu.RUnlock()
	<-it.ack
}

// Fail marks the experiment as failed, or cancelled if err is a context error. Returns err.
func (e *Experiment) Fail(err error) error {
	if err == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == Running {
		e.status = Failed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.status = Cancelled
		}
		e.failure = err.Error()
	}
	return err
}

// Close flushes pending points and sends the end event. It is safe to call more than once.
func (e *Experiment) Close() error {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.qmu.Unlock()
	e.wg.Wait()
	e.mu.Lock()
	if e.status == Running {
		e.status = Completed
	}
	end := End{Status: e.status, Error: e.failure, Points: e.points, Finished: time.Now().UTC()}
	log.Printf("track: experiment %s %s: %d points, %d write errors", e.ID, end.Status, end.Points, e.writeErrs)
	e.mu.Unlock()
	return errors.Wrap(e.sink.End(context.Background(), e.ID, end), "track: end experiment")
}

// Status returns the current experiment status
func (e *Experiment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Summary returns running statistics for each metric name
func (e *Experiment) Summary() map[string]stats.Average {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := make(map[string]stats.Average, len(e.summary))
	for name, s := range e.summary {
		m[name] = *s
	}
	return m
}

// MetricNames returns the sorted names of metrics with at least one value
func (e *Experiment) MetricNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.summary))
	for name := range e.summary {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteErrors returns the number of failed sink writes
func (e *Experiment) WriteErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeErrs
}

// background loop which batches points and writes them to the sink
func (e *Experiment) writer(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	var buf []Point
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := e.sink.Write(ctx, e.ID, buf); err != nil {
			log.Printf("track: error writing %d points: %v", len(buf), err)
			e.mu.Lock()
			e.writeErrs++
			e.mu.Unlock()
		}
		buf = nil
	}
	for {
		select {
		case it, ok := <-e.queue:
			if !ok {
				flush()
				return
			}
			if it.ack != nil {
				flush()
				if it.epoch > 0 {
					e.sendEpoch(ctx, it.epoch)
				}
				close(it.ack)
				continue
			}
			buf = append(buf, it.point)
			if len(buf) >= e.opts.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (e *Experiment) sendEpoch(ctx context.Context, epoch int) {
	es, ok := e.sink.(EpochSink)
	if !ok {
		return
	}
	if err := es.EndEpoch(ctx, e.ID, epoch); err != nil {
		log.Printf("track: error sending end of epoch %d: %v", epoch, err)
		e.mu.Lock()
		e.writeErrs++
		e.mu.Unlock()
	}
}

package track

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newExperiment(t *testing.T, sink Sink) *Experiment {
	p := NewProject("mnist", sink, Options{FlushSize: 3, FlushInterval: time.Hour})
	e, err := p.CreateExperiment(context.Background(), Info{
		Model:     "SimpleNet",
		Optimizer: "SGD",
		TrainData: "MNIST",
		Metrics:   []string{"Loss", "Accuracy"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestExperimentLoops(t *testing.T) {
	sink := NewMemorySink()
	e := newExperiment(t, sink)
	if e.ID == "" || e.Project != "mnist" {
		t.Fatalf("bad info %+v", e.Info)
	}
	ctx := context.Background()
	err := e.EpochLoop(ctx, 2, func(epoch int) error {
		return e.BatchLoop(ctx, 3, func(batch int) error {
			if err := e.UpdateMetric("Loss", float64(epoch*10+batch)); err != nil {
				return err
			}
			if batch == 1 {
				return e.Test(func() error {
					return e.UpdateMetric("Accuracy", 50)
				})
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	points := sink.Get(e.ID)
	if len(points) != 8 {
		t.Fatalf("got %d points expect 8", len(points))
	}
	for _, p := range points {
		t.Logf("%+v", p)
	}
	last := points[len(points)-1]
	if last.Name != "ml_train_Loss" || last.Epoch != 2 || last.Batch != 2 || last.Iteration != 6 || last.Value != 22 {
		t.Errorf("bad last point %+v", last)
	}
	val := points[2]
	if val.Name != "ml_val_Accuracy" || val.Phase != Validation || val.Epoch != 1 || val.Batch != 1 {
		t.Errorf("bad validation point %+v", val)
	}
	for i, p := range points {
		if p.Seq != i+1 {
			t.Errorf("point %d has seq %d", i, p.Seq)
		}
	}
	if ep := sink.Epochs[e.ID]; len(ep) != 2 || ep[0] != 1 || ep[1] != 2 {
		t.Errorf("got epoch end events %v", ep)
	}
	end := sink.Ends[e.ID]
	if end.Status != Completed || end.Points != 8 {
		t.Errorf("bad end %+v", end)
	}
	sum := e.Summary()
	if s := sum["ml_train_Loss"]; s.Count != 6 || s.Min != 10 || s.Max != 22 {
		t.Errorf("bad summary %v", s)
	}
	if names := e.MetricNames(); len(names) != 2 || names[0] != "ml_train_Loss" {
		t.Errorf("got names %v", names)
	}
}

func TestExperimentErrors(t *testing.T) {
	sink := NewMemorySink()
	e := newExperiment(t, sink)
	if err := e.UpdateMetric("Precision", 1); errors.Cause(err) != ErrUnknownMetric {
		t.Errorf("got %v expect unknown metric", err)
	}
	if err := e.UpdateMetric("Loss", math.NaN()); errors.Cause(err) != ErrInvalidValue {
		t.Errorf("got %v expect invalid value", err)
	}
	if err := e.UpdateMetric("Loss", math.Inf(1)); errors.Cause(err) != ErrInvalidValue {
		t.Errorf("got %v expect invalid value", err)
	}
	err := e.Test(func() error {
		return e.Test(func() error { return nil })
	})
	if err != ErrNestedTest {
		t.Errorf("got %v expect nested test error", err)
	}
	boom := errors.New("boom")
	err = e.EpochLoop(context.Background(), 3, func(epoch int) error {
		if epoch == 2 {
			return boom
		}
		return nil
	})
	if err != boom || e.Status() != Failed {
		t.Errorf("got err=%v status=%s", err, e.Status())
	}
	e.Close()
	if err := e.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := e.UpdateMetric("Loss", 1); err != ErrClosed {
		t.Errorf("got %v expect ErrClosed", err)
	}
	if end := sink.Ends[e.ID]; end.Status != Failed || end.Error != "boom" {
		t.Errorf("bad end %+v", end)
	}
	if _, err := NewProject("x", sink, Options{}).CreateExperiment(context.Background(), Info{}); err == nil {
		t.Error("expected error with no metrics")
	}
}

func TestExperimentCancel(t *testing.T) {
	sink := NewMemorySink()
	e := newExperiment(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	err := e.EpochLoop(ctx, 5, func(epoch int) error {
		return e.BatchLoop(ctx, 10, func(batch int) error {
			if batch == 4 {
				cancel()
			}
			return e.UpdateMetric("Loss", 1)
		})
	})
	if err != context.Canceled {
		t.Errorf("got %v", err)
	}
	e.Close()
	if end := sink.Ends[e.ID]; end.Status != Cancelled || end.Points != 5 {
		t.Errorf("bad end %+v", end)
	}
}

func TestFlushBatches(t *testing.T) {
	sink := NewMemorySink()
	e := newExperiment(t, sink)
	for i := 0; i < 7; i++ {
		e.UpdateMetric("Loss", float64(i))
	}
	e.Flush()
	sink.Lock()
	writes := sink.Writes
	sink.Unlock()
	// two full batches of 3 then the remainder on flush
	if writes != 3 || len(sink.Get(e.ID)) != 7 {
		t.Errorf("got %d writes and %d points", writes, len(sink.Get(e.ID)))
	}
	for i, p := range sink.Get(e.ID) {
		if p.Value != float64(i) {
			t.Fatalf("points out of order at %d: %+v", i, p)
		}
	}
	e.Close()
}

// minimal tracking server
type testServer struct {
	sync.Mutex
	token    string
	points   int
	ended    bool
	failures int
	broken   bool
}

func (s *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Lock()
	defer s.Unlock()
	if r.Header.Get(TokenHeader) != s.token {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "bad token"})
		return
	}
	if s.failures > 0 {
		s.failures--
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.URL.Path == "/api/experiments":
		var info Info
		json.NewDecoder(r.Body).Decode(&info)
		json.NewEncoder(w).Encode(CreateResponse{ID: info.ID, Project: info.Project})
	case strings.HasSuffix(r.URL.Path, "/metrics") && s.broken:
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
	case strings.HasSuffix(r.URL.Path, "/metrics"):
		var req MetricsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.points += len(req.Points)
		json.NewEncoder(w).Encode(MetricsResponse{Accepted: len(req.Points)})
	case strings.HasSuffix(r.URL.Path, "/end"):
		s.ended = true
	default:
		http.NotFound(w, r)
	}
}

func TestHTTPSink(t *testing.T) {
	srv := &testServer{token: "secret", failures: 1}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	sink := NewHTTPSink(HTTPConfig{BaseURL: ts.URL + "/", Token: "secret", RetryAttempts: 3, RetryDelay: time.Millisecond})
	e := newExperiment(t, sink)
	for i := 0; i < 5; i++ {
		if err := e.UpdateMetric("Accuracy", 90); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	srv.Lock()
	defer srv.Unlock()
	if srv.points != 5 || !srv.ended || e.WriteErrors() != 0 {
		t.Errorf("server got points=%d ended=%v write errors=%d", srv.points, srv.ended, e.WriteErrors())
	}
}

func TestHTTPSinkUnauthorized(t *testing.T) {
	srv := &testServer{token: "secret"}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	sink := NewHTTPSink(HTTPConfig{BaseURL: ts.URL, Token: "wrong", RetryAttempts: 3, RetryDelay: time.Millisecond})
	p := NewProject("mnist", sink, Options{})
	_, err := p.CreateExperiment(context.Background(), Info{Metrics: []string{"Loss"}})
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusUnauthorized || serr.Message != "bad token" {
		t.Errorf("got error %v", err)
	}
	t.Log(err)
}

func TestNonFiniteValues(t *testing.T) {
	srv := &testServer{token: "secret"}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	sink := NewHTTPSink(HTTPConfig{BaseURL: ts.URL, Token: "secret", RetryAttempts: 1})
	e := newExperiment(t, sink)
	e.UpdateMetric("Loss", 1.5)
	e.UpdateMetric("Loss", 1.2)
	err := e.Test(func() error {
		return e.UpdateMetric("Loss", math.NaN())
	})
	if errors.Cause(err) != ErrInvalidValue {
		t.Errorf("got %v expect invalid value", err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	srv.Lock()
	defer srv.Unlock()
	if srv.points != 2 || e.WriteErrors() != 0 {
		t.Errorf("server received %d of 2 points, write errors=%d", srv.points, e.WriteErrors())
	}
}

func TestHTTPSinkRetriesExhausted(t *testing.T) {
	srv := &testServer{token: "secret", broken: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	sink := NewHTTPSink(HTTPConfig{BaseURL: ts.URL, Token: "secret", RetryAttempts: 2, RetryDelay: time.Millisecond})
	e := newExperiment(t, sink)
	ctx := context.Background()
	batches := 0
	err := e.EpochLoop(ctx, 2, func(epoch int) error {
		return e.BatchLoop(ctx, 3, func(batch int) error {
			batches++
			return e.UpdateMetric("Loss", 1)
		})
	})
	if err != nil || batches != 6 {
		t.Fatalf("training stopped after %d batches: %v", batches, err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	t.Logf("write errors: %d", e.WriteErrors())
	if e.WriteErrors() != 2 || e.Status() != Completed {
		t.Errorf("got %d write errors status %s", e.WriteErrors(), e.Status())
	}
	srv.Lock()
	defer srv.Unlock()
	if srv.points != 0 || !srv.ended {
		t.Errorf("server got points=%d ended=%v", srv.points, srv.ended)
	}
}

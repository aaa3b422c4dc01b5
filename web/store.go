package web

import (
	"encoding/gob"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jnb666/convtrack/stats"
	"github.com/jnb666/convtrack/track"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("experiment not found")
	ErrExists   = errors.New("experiment already exists")
	ErrEnded    = errors.New("experiment has ended")
	ErrProject  = errors.New("experiment belongs to another project")
	ErrStatus   = errors.New("invalid end status")
)

// Experiment state held by the server
type Experiment struct {
	Info    track.Info
	Status  track.Status
	End     track.End
	Points  []track.Point
	Summary map[string]*stats.Average
	Updated time.Time
	LastSeq int
}

// Epoch and iteration of the most recent point
func (e *Experiment) Progress() (epoch, iteration int) {
	if n := len(e.Points); n > 0 {
		return e.Points[n-1].Epoch, e.Points[n-1].Iteration
	}
	return 0, 0
}

// Series returns the points for one metric
func (e *Experiment) Series(name string) []track.Point {
	var pts []track.Point
	for _, p := range e.Points {
		if p.Name == name {
			pts = append(pts, p)
		}
	}
	return pts
}

// MetricNames returns the sorted metric names with recorded values
func (e *Experiment) MetricNames() []string {
	names := make([]string, 0, len(e.Summary))
	for name := range e.Summary {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Experiment) copy() *Experiment {
	c := *e
	c.Points = append([]track.Point(nil), e.Points...)
	c.Summary = make(map[string]*stats.Average, len(e.Summary))
	for k, v := range e.Summary {
		s := *v
		c.Summary[k] = &s
	}
	return &c
}

// Store holds all experiments in memory and persists them to a gob file.
type Store struct {
	file string
	exps map[string]*Experiment
	sync.Mutex
}

// Load experiments from file, if the file does not exist an empty store is returned.
func LoadStore(file string) (*Store, error) {
	s := &Store{file: file, exps: map[string]*Experiment{}}
	if file == "" {
		return s, nil
	}
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		log.Println("new experiment store:", file)
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load store")
	}
	defer f.Close()
	if err = gob.NewDecoder(f).Decode(&s.exps); err != nil {
		return nil, errors.Wrapf(err, "load store %s", file)
	}
	log.Printf("loaded %d experiments from %s", len(s.exps), file)
	return s, nil
}

// Save writes the store to a temporary file and renames it
func (s *Store) Save() error {
	s.Lock()
	defer s.Unlock()
	return s.save()
}

func (s *Store) save() error {
	if s.file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0755); err != nil {
		return errors.Wrap(err, "save store")
	}
	tmp := s.file + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save store")
	}
	if err = gob.NewEncoder(f).Encode(s.exps); err != nil {
		f.Close()
		return errors.Wrap(err, "save store")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save store")
	}
	return errors.Wrap(os.Rename(tmp, s.file), "save store")
}

// Create a new running experiment. Creating an experiment again with the same project and
// start time is accepted so that the client can retry.
func (s *Store) Create(info track.Info) error {
	s.Lock()
	defer s.Unlock()
	if e, ok := s.exps[info.ID]; ok {
		if !info.Started.IsZero() && e.Info.Project == info.Project && e.Info.Started.Equal(info.Started) {
			return nil
		}
		return errors.Wrap(ErrExists, info.ID)
	}
	if info.Started.IsZero() {
		info.Started = time.Now().UTC()
	}
	s.exps[info.ID] = &Experiment{
		Info:    info,
		Status:  track.Running,
		Summary: map[string]*stats.Average{},
		Updated: time.Now().UTC(),
	}
	if err := s.save(); err != nil {
		delete(s.exps, info.ID)
		return err
	}
	return nil
}

// Append points to a running experiment, returns the experiment progress after the update.
// Points with a sequence number at or below the last one stored are skipped as duplicates.
// If the store cannot be saved the experiment is left unchanged.
func (s *Store) Append(project, id string, points []track.Point) (epoch, iteration int, err error) {
	s.Lock()
	defer s.Unlock()
	e, err := s.running(project, id)
	if err != nil {
		return 0, 0, err
	}
	prev := *e
	prev.Summary = make(map[string]*stats.Average, len(e.Summary))
	for k, v := range e.Summary {
		a := *v
		prev.Summary[k] = &a
	}
	for _, p := range points {
		if p.Seq > 0 {
			if p.Seq <= e.LastSeq {
				continue
			}
			e.LastSeq = p.Seq
		}
		a, ok := e.Summary[p.Name]
		if !ok {
			a = new(stats.Average)
			e.Summary[p.Name] = a
		}
		a.Add(p.Value)
		e.Points = append(e.Points, p)
	}
	e.Updated = time.Now().UTC()
	if err = s.save(); err != nil {
		*e = prev
		return 0, 0, err
	}
	epoch, iteration = e.Progress()
	return epoch, iteration, nil
}

// Finish an experiment with the given end status
func (s *Store) Finish(project, id string, end track.End) error {
	s.Lock()
	defer s.Unlock()
	switch end.Status {
	case track.Completed, track.Failed, track.Cancelled:
	default:
		return errors.Wrapf(ErrStatus, "%q", end.Status)
	}
	e, err := s.running(project, id)
	if errors.Cause(err) == ErrEnded && e.End.Status == end.Status && e.End.Points == end.Points {
		// repeated request
		return nil
	}
	if err != nil {
		return err
	}
	if end.Finished.IsZero() {
		end.Finished = time.Now().UTC()
	}
	prev := *e
	e.Status = end.Status
	e.End = end
	e.Updated = time.Now().UTC()
	if err = s.save(); err != nil {
		*e = prev
		return err
	}
	log.Printf("experiment %s %s with %d points", id, end.Status, len(e.Points))
	return nil
}

func (s *Store) running(project, id string) (*Experiment, error) {
	e, ok := s.exps[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if project != "" && e.Info.Project != project {
		return nil, errors.Wrap(ErrProject, id)
	}
	if e.Status != track.Running {
		return e, errors.Wrap(ErrEnded, id)
	}
	return e, nil
}

// Get returns a copy of the experiment
func (s *Store) Get(id string) (*Experiment, error) {
	s.Lock()
	defer s.Unlock()
	e, ok := s.exps[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return e.copy(), nil
}

// List returns experiments without their points, most recently started first.
// If project is set only experiments from that project are included.
func (s *Store) List(project string) []*Experiment {
	s.Lock()
	defer s.Unlock()
	var list []*Experiment
	for _, e := range s.exps {
		if project != "" && e.Info.Project != project {
			continue
		}
		c := e.copy()
		c.Points = nil
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Info.Started.After(list[j].Info.Started)
	})
	return list
}

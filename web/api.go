package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jnb666/convtrack/track"
	"github.com/pkg/errors"
)

const (
	tokenHeader  = track.TokenHeader
	maxBodyBytes = 8 << 20
)

// API has the REST handlers used by the tracking client
type API struct {
	store *Store
	hub   *Hub
}

func NewAPI(store *Store, hub *Hub) *API {
	return &API{store: store, hub: hub}
}

// Summary of an experiment returned by the list and detail endpoints
type ExperimentResponse struct {
	Info      track.Info               `json:"info"`
	Status    track.Status             `json:"status"`
	End       *track.End               `json:"end,omitempty"`
	Epoch     int                      `json:"epoch"`
	Iteration int                      `json:"iteration"`
	Summary   map[string]MetricSummary `json:"summary"`
	Points    []track.Point            `json:"points,omitempty"`
}

type MetricSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Last   float64 `json:"last"`
}

// Handler for POST /api/experiments
func (a *API) Create() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var info track.Info
		if !decode(w, r, &info) {
			return
		}
		if info.ID == "" {
			info.ID = uuid.NewString()
		} else if _, err := uuid.Parse(info.ID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid experiment id")
			return
		}
		if len(info.Metrics) == 0 {
			writeError(w, http.StatusBadRequest, "no metrics declared")
			return
		}
		info.Project = Project(r)
		if err := a.store.Create(info); err != nil {
			storeError(w, err)
			return
		}
		log.Printf("new experiment %s project=%s model=%s", info.ID, info.Project, info.Model)
		a.hub.Broadcast(Update{ID: info.ID, Status: string(track.Running)})
		writeJSON(w, http.StatusCreated, track.CreateResponse{ID: info.ID, Project: info.Project})
	}
}

// Handler for POST /api/experiments/{id}/metrics
func (a *API) Metrics() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req track.MetricsRequest
		if !decode(w, r, &req) {
			return
		}
		for _, p := range req.Points {
			if p.Name == "" {
				writeError(w, http.StatusBadRequest, "point with empty metric name")
				return
			}
		}
		epoch, iter, err := a.store.Append(Project(r), id, req.Points)
		if err != nil {
			storeError(w, err)
			return
		}
		a.hub.Broadcast(Update{ID: id, Status: string(track.Running), Epoch: epoch, Iteration: iter})
		writeJSON(w, http.StatusOK, track.MetricsResponse{Accepted: len(req.Points)})
	}
}

// Handler for POST /api/experiments/{id}/end
func (a *API) End() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var end track.End
		if !decode(w, r, &end) {
			return
		}
		if err := a.store.Finish(Project(r), id, end); err != nil {
			storeError(w, err)
			return
		}
		a.hub.Broadcast(Update{ID: id, Status: string(end.Status)})
		w.WriteHeader(http.StatusNoContent)
	}
}

// Handler for GET /api/experiments
func (a *API) List() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		list := a.store.List(Project(r))
		resp := make([]ExperimentResponse, len(list))
		for i, e := range list {
			resp[i] = newExperimentResponse(e, false)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Handler for GET /api/experiments/{id}, points are included if the points query parameter is set
func (a *API) Get() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := a.store.Get(mux.Vars(r)["id"])
		if err == nil && e.Info.Project != Project(r) {
			err = errors.Wrap(ErrNotFound, e.Info.ID)
		}
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newExperimentResponse(e, r.FormValue("points") != ""))
	}
}

func newExperimentResponse(e *Experiment, points bool) ExperimentResponse {
	r := ExperimentResponse{Info: e.Info, Status: e.Status, Summary: map[string]MetricSummary{}}
	if e.Status != track.Running {
		end := e.End
		r.End = &end
	}
	r.Epoch, r.Iteration = e.Progress()
	for name, s := range e.Summary {
		r.Summary[name] = MetricSummary{Count: int(s.Count), Mean: s.Mean, StdDev: s.StdDev, Min: s.Min, Max: s.Max, Last: s.Last}
	}
	if points {
		r.Points = e.Points
	}
	return r
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func storeError(w http.ResponseWriter, err error) {
	switch errors.Cause(err) {
	case ErrNotFound, ErrProject:
		writeError(w, http.StatusNotFound, err.Error())
	case ErrExists, ErrEnded:
		writeError(w, http.StatusConflict, err.Error())
	case ErrStatus:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Println("store error:", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("error writing response:", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, track.ErrorResponse{Error: msg})
}

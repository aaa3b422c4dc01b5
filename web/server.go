// Package web is the experiment tracking server. It has a REST API used by the track client
// and a dashboard with metric plots which is updated over a websocket as points arrive.
package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/convtrack/img"
	"github.com/pkg/errors"
)

const (
	imageScale = 3
	imageRows  = 8
	imageCols  = 10
)

// Server type holds the router and shared state
type Server struct {
	Config ServerConfig
	Store  *Store
	Hub    *Hub
	Router *mux.Router
}

// NewServer sets up the routes. data holds optional image sets for the image browser.
func NewServer(conf ServerConfig, store *Store, data map[string]*img.Data) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	s := &Server{Config: conf, Store: store, Hub: NewHub(), Router: mux.NewRouter()}
	t.AddMenuItem(Link{Name: "experiments", Url: "/experiments"})
	if len(data) > 0 {
		t.AddMenuItem(Link{Name: "images", Url: "/images"})
	}
	api := NewAPI(store, s.Hub)
	dash := NewDashboard(t, store, conf)
	auth := NewAuthMiddleware(conf.User, conf.Password)
	if conf.Password == "" {
		log.Println("warning: no dashboard password set")
	}
	r := s.Router

	a := r.PathPrefix("/api").Subrouter()
	a.Use(TokenMiddleware(conf.Tokens))
	a.HandleFunc("/experiments", api.Create()).Methods("POST")
	a.HandleFunc("/experiments", api.List()).Methods("GET")
	a.HandleFunc("/experiments/{id}", api.Get()).Methods("GET")
	a.HandleFunc("/experiments/{id}/metrics", api.Metrics()).Methods("POST")
	a.HandleFunc("/experiments/{id}/end", api.End()).Methods("POST")

	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(Static())))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	protect := func(h func(http.ResponseWriter, *http.Request)) http.Handler {
		return auth.Middleware(http.HandlerFunc(h))
	}
	r.Handle("/", http.RedirectHandler("/experiments", http.StatusFound))
	r.Handle("/experiments", protect(dash.List()))
	r.Handle("/experiments/{id}", protect(dash.Experiment()))
	r.Handle("/ws", protect(s.Hub.Websocket()))

	if len(data) > 0 {
		images := NewImagePage(t, data, imageScale, imageRows, imageCols)
		r.Handle("/images", http.RedirectHandler("/images/"+images.Sets()[0]+"/", http.StatusFound))
		r.Handle("/images/{dset}/", protect(images.Base()))
		r.Handle("/img/{dset}/{id:[0-9]+}", protect(images.Image()))
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// ListenAndServe runs the server until the context is cancelled, then shuts down and saves the store.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.Config.Addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Hub.Close()
		done <- srv.Shutdown(sctx)
	}()
	log.Printf("serving web page at http://localhost%s", s.Config.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrap(err, "listen")
	}
	if err := <-done; err != nil {
		log.Println("shutdown:", err)
	}
	return s.Store.Save()
}

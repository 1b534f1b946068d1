package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/*
Stats is the body of the GET /stats response.
*/
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

/*
NewRouter registers the HTTP routes.  The metrics route is served only when
gatherer is not nil.
*/
func NewRouter(g *Gatekeeper, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", g.HandleNewConnection)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

/*
NewServer creates an HTTP server with timeouts.  The write timeout does not
apply to upgraded connections.
*/
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("ok"))
}

func (g *Gatekeeper) handleStats(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(Stats{
		Connections: g.Connections(),
		Users:       g.Users(),
		Rooms:       g.Rooms(),
	})
}

package directory

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
)

const (
	logKeyPeerID  = "peerId"
	logKeyAddress = "address"
	logKeyError   = "error"
)

// DefaultRegistrationTTL is how long a registration lives
// without a heartbeat.
const DefaultRegistrationTTL = 2 * time.Minute

type ServerConfig struct { // A
	// Path is the {path} segment the routes are mounted
	// under. Empty mounts them at the root.
	Path            string
	RegistrationTTL time.Duration
	Logger          *slog.Logger
}

// Server keeps session registrations in a TTL cache and
// serves them over HTTP.
type Server struct { // A
	log    *slog.Logger
	regs   *ttlcache.Cache[string, string]
	router *mux.Router
}

func NewServer(cfg ServerConfig) *Server { // A
	if cfg.RegistrationTTL <= 0 {
		cfg.RegistrationTTL = DefaultRegistrationTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	s := &Server{
		log: cfg.Logger,
		regs: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.RegistrationTTL),
		),
	}

	root := mux.NewRouter().StrictSlash(true)
	r := root
	if p := strings.Trim(cfg.Path, "/"); p != "" {
		r = root.PathPrefix("/" + p).Subrouter()
	}
	r.HandleFunc(peersPath, s.listPeers).Methods(http.MethodGet)
	r.HandleFunc(peersPath+"/{id}", s.getPeer).Methods(http.MethodGet)
	r.HandleFunc(peersPath+"/{id}", s.putPeer).Methods(http.MethodPut)
	r.HandleFunc(peersPath+"/{id}", s.deletePeer).Methods(http.MethodDelete)
	s.router = root

	go s.regs.Start()
	return s
}

// Handler returns the routed handler. Middleware such as
// access logging is left to the caller.
func (s *Server) Handler() http.Handler { // A
	return s.router
}

// Close stops the expiry loop.
func (s *Server) Close() { // A
	s.regs.Stop()
}

// Peers lists the live session IDs in sorted order.
func (s *Server) Peers() []string { // A
	items := s.regs.Items()
	ids := make([]string, 0, len(items))
	for id, item := range items {
		if item.IsExpired() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) { // A
	writeJSON(w, http.StatusOK, s.Peers())
}

func (s *Server) getPeer(w http.ResponseWriter, r *http.Request) { // A
	id := mux.Vars(r)["id"]
	item := s.regs.Get(id, ttlcache.WithDisableTouchOnHit[string, string]())
	if item == nil {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, Registration{ID: id, Address: item.Value()})
}

func (s *Server) putPeer(w http.ResponseWriter, r *http.Request) { // A
	id := mux.Vars(r)["id"]
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}

	s.regs.Set(id, req.Address, ttlcache.DefaultTTL)
	s.log.Debug("peer registered",
		logKeyPeerID, id,
		logKeyAddress, req.Address,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePeer(w http.ResponseWriter, r *http.Request) { // A
	id := mux.Vars(r)["id"]
	if s.regs.Get(id, ttlcache.WithDisableTouchOnHit[string, string]()) == nil {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	s.regs.Delete(id)
	s.log.Debug("peer unregistered", logKeyPeerID, id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", logKeyError, err.Error())
	}
}

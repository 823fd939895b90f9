// Package rpc exposes the node's collaborator interface as JSON endpoints
// over a chi router. Request/response decoding is transport-edge plumbing:
// core never imports net/http, and its canonical encoding exists only for
// hashing.
package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"apocnode/core"
)

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Server wraps a *core.Node with its chi-routed HTTP surface.
type Server struct {
	node   *core.Node
	router chi.Router
	log    *logrus.Logger
}

// NewServer constructs a Server and mounts every exposed route.
func NewServer(node *core.Node, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{node: node, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/blockchain/info", s.getBlockchainInfo)
	r.Get("/blocks/{hash}", s.getBlock)
	r.Get("/transactions/{hash}", s.getTransaction)
	r.Get("/accounts/{address}", s.getAccount)
	r.Get("/shards/{id}", s.getShardInfo)
	r.Get("/shards", s.getAllShards)
	r.Post("/transactions", s.sendTransaction)
	r.Post("/contracts", s.deployContract)
	r.Post("/contracts/{address}/call", s.callContract)
	r.Post("/stake", s.stake)
	r.Post("/unstake", s.unstake)
	r.Post("/contributions", s.reportContribution)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, delegating to the mounted chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseHash(s string) (core.Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != core.HashSize {
		return core.Hash{}, wrapErr("invalid hash " + s)
	}
	var h core.Hash
	copy(h[:], raw)
	return h, nil
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func wrapErr(msg string) error { return simpleError(msg) }

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"decred.org/sealwallet/seal"
	"decred.org/sealwallet/seal/msgjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// rpcTimeout bounds reading a request and writing its response.
	rpcTimeout = 10 * time.Second
	// maxRequestBytes limits request bodies. Steps carry one transaction.
	maxRequestBytes = 1 << 20
)

type routeHandler func(json.RawMessage) (any, error)

// Server exposes a Ledger over HTTP. Every route is a POST to /api/<route>
// with a JSON request body, answered with a msgjson.ResponsePayload.
type Server struct {
	ledger   *Ledger
	log      seal.Logger
	registry *prometheus.Registry
	routes   map[string]routeHandler
	limiters *ipLimiters

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewServer is the constructor for a Server. Metrics are registered on reg,
// which is also served at /metrics.
func NewServer(l *Ledger, reg *prometheus.Registry, log seal.Logger) *Server {
	s := &Server{
		ledger:   l,
		log:      log,
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerd",
			Name:      "requests_total",
			Help:      "Ledger API requests by route and result.",
		}, []string{"route", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgerd",
			Name:      "request_duration_seconds",
			Help:      "Ledger API request handling time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"route"}),
	}
	reg.MustRegister(s.requests, s.latency)
	s.routes = map[string]routeHandler{
		msgjson.IssueRoute:           s.handleIssue,
		msgjson.RegisterWitnessRoute: s.handleRegisterWitness,
		msgjson.TransferRoute:        s.handleTransfer,
		msgjson.RebindRoute:          s.handleRebind,
		msgjson.BalanceRoute:         s.handleBalance,
		msgjson.AllocationsRoute:     s.handleAllocations,
		msgjson.ContractRoute:        s.handleContract,
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.Route("/api", func(rr chi.Router) {
		if s.limiters != nil {
			rr.Use(s.limitRate)
		}
		rr.Use(middleware.AllowContentType("application/json"))
		rr.Post("/{route}", s.handleAPI)
	})
	return mux
}

// Run serves on addr until the context is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  rpcTimeout,
		WriteTimeout: rpcTimeout,
	}
	if s.limiters != nil {
		go s.limiters.run(ctx)
	}
	errC := make(chan error, 1)
	go func() {
		s.log.Infof("Ledger API listening on %s", listener.Addr())
		err := httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
		close(errC)
	}()
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	s.log.Infof("Ledger API shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		s.log.Warnf("http.Server.Shutdown: %v", err)
	}
	return nil
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	route := chi.URLParam(r, "route")
	handler, found := s.routes[route]
	if !found {
		s.requests.WithLabelValues("unknown", "error").Inc()
		writeJSON(w, http.StatusNotFound, &msgjson.ResponsePayload{
			Error: msgjson.NewError(msgjson.RPCUnknownRoute, "unknown route %q", route),
		})
		return
	}
	start := time.Now()
	defer func() { s.latency.WithLabelValues(route).Observe(time.Since(start).Seconds()) }()

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&raw); err != nil {
		s.requests.WithLabelValues(route, "error").Inc()
		writeJSON(w, http.StatusBadRequest, &msgjson.ResponsePayload{
			Error: msgjson.NewError(msgjson.RPCParseError, "error parsing request: %v", err),
		})
		return
	}
	res, err := handler(raw)
	if err != nil {
		s.log.Debugf("%s request failed: %v", route, err)
		s.requests.WithLabelValues(route, "error").Inc()
		writeJSON(w, http.StatusOK, &msgjson.ResponsePayload{Error: msgjson.ErrorForKind(err)})
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		s.log.Errorf("error encoding %s result: %v", route, err)
		s.requests.WithLabelValues(route, "error").Inc()
		writeJSON(w, http.StatusInternalServerError, &msgjson.ResponsePayload{
			Error: msgjson.NewError(msgjson.RPCInternal, "internal error"),
		})
		return
	}
	s.requests.WithLabelValues(route, "ok").Inc()
	writeJSON(w, http.StatusOK, &msgjson.ResponsePayload{Result: b})
}

func writeJSON(w http.ResponseWriter, code int, thing any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(thing)
}

func (s *Server) handleIssue(raw json.RawMessage) (any, error) {
	var req msgjson.IssueRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if req.Contract == nil {
		return nil, errors.New("no contract")
	}
	return s.ledger.Issue(req.Contract)
}

func (s *Server) handleRegisterWitness(raw json.RawMessage) (any, error) {
	var req msgjson.RegisterWitnessRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if err := s.ledger.RegisterWitness(req.ContractID, req.WitnessID, req.Owner); err != nil {
		return nil, err
	}
	return &msgjson.Ack{OK: true}, nil
}

func (s *Server) handleTransfer(raw json.RawMessage) (any, error) {
	var req msgjson.TransferRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if req.Step == nil {
		return nil, errors.New("no step")
	}
	id, err := s.ledger.Transfer(req.Step)
	if err != nil {
		return nil, err
	}
	return &msgjson.TransferResult{TransferID: id}, nil
}

func (s *Server) handleRebind(raw json.RawMessage) (any, error) {
	var req msgjson.RebindRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if err := s.ledger.Rebind(req.ContractID, req.WitnessID, req.RealSeal, req.Sig); err != nil {
		return nil, err
	}
	return &msgjson.Ack{OK: true}, nil
}

func (s *Server) handleBalance(raw json.RawMessage) (any, error) {
	var req msgjson.BalanceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	amt, err := s.ledger.Balance(req.ContractID, req.Seals)
	if err != nil {
		return nil, err
	}
	return &msgjson.BalanceResult{Amount: amt}, nil
}

func (s *Server) handleAllocations(raw json.RawMessage) (any, error) {
	var req msgjson.ContractRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return s.ledger.Allocations(req.ContractID)
}

func (s *Server) handleContract(raw json.RawMessage) (any, error) {
	var req msgjson.ContractRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return s.ledger.Contract(req.ContractID)
}

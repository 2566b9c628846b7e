package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/distributor/internal/bucketdb"
	"github.com/dreamware/distributor/internal/cluster"
	"github.com/dreamware/distributor/internal/config"
	"github.com/dreamware/distributor/internal/distributor"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/metrics"
	"github.com/dreamware/distributor/internal/operation"
	"github.com/dreamware/distributor/internal/storage"
)

const (
	// visitTimeout bounds how long a /visit request waits for its reply.
	visitTimeout   = 30 * time.Second
	maxDocumentLen = 1 << 20
	shutdownGrace  = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a distributor node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = cfg.LogLevel
			}
			setupLogging(level)
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	return cmd
}

// runServe serves until ctx is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := newServer(cfg, metrics.Registry, log.Logger)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("cluster", cfg.ClusterName).
			Int("index", cfg.NodeIndex).
			Str("listen", cfg.Listen).
			Int("storage_nodes", cfg.StorageNodes).
			Int("buckets", cfg.Buckets).
			Msg("Distributor listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		srv.node.RunTimeouts(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down distributor")
		return srv.shutdown(httpSrv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Distributor stopped")
	return nil
}

// server wires a distributor node to in-process storage nodes and exposes
// it over HTTP.
type server struct {
	cfg       *config.Config
	node      *distributor.Node
	transport *distributor.LocalTransport
	db        *bucketdb.Database
	storage   []*storage.Node
	replies   *replyRouter
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
}

func newServer(cfg *config.Config, reg *prometheus.Registry, logger zerolog.Logger) (*server, error) {
	db := bucketdb.New(cfg.Buckets)
	if err := db.Rebalance(cfg.StorageNodes, cfg.Redundancy); err != nil {
		return nil, fmt.Errorf("place buckets: %w", err)
	}

	nodes := make([]*storage.Node, cfg.StorageNodes)
	for i := range nodes {
		nodes[i] = storage.NewNode(i)
		for _, b := range db.NodeBuckets(i) {
			nodes[i].CreateBucket(b)
		}
	}

	transport := distributor.NewLocalTransport(logger.With().Str("component", "transport").Logger(), nodes...)
	replies := newReplyRouter(logger)
	node := distributor.New(distributor.Config{
		ClusterName:          cfg.ClusterName,
		NodeIndex:            cfg.NodeIndex,
		ReadForWritePriority: operation.Priority(*cfg.ReadForWritePriority),
		MaxPendingBuckets:    cfg.MaxPendingBuckets,
		MessageTimeout:       cfg.MessageTimeout,
		SweepInterval:        cfg.SweepInterval,
		Logger:               logger,
		Metrics:              metrics.NewCoreMetrics(reg, cfg.ClusterName),
	}, transport, db, replies)
	transport.SetReplyHandler(node.HandleReply)

	return &server{
		cfg:       cfg,
		node:      node,
		transport: transport,
		db:        db,
		storage:   nodes,
		replies:   replies,
		gatherer:  reg,
		logger:    logger,
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/visit", s.handleVisit)
	mux.HandleFunc("/data/", s.handleData)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// shutdown aborts outstanding operations, stops the HTTP server and waits
// for storage traffic to drain.
func (s *server) shutdown(httpSrv *http.Server) error {
	var result *multierror.Error

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Closing the node first answers every waiting /visit handler.
	s.node.Close()

	if err := httpSrv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		s.transport.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("storage traffic did not drain: %w", ctx.Err()))
	}

	return result.ErrorOrNil()
}

// handleVisit runs a read-for-write visitor and answers with its reply.
//
// Endpoint: POST /visit
//
// Response status follows the reply's return code:
//   - 200 OK: visitor completed
//   - 400 Bad Request: malformed body or ILLEGAL_PARAMETERS
//   - 404 Not Found: BUCKET_NOT_FOUND
//   - 409 Conflict: BUSY, another read-for-write holds the bucket
//   - 503 Service Unavailable: ABORTED, the node is shutting down
//   - 504 Gateway Timeout: no reply within visitTimeout
func (s *server) handleVisit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd message.CreateVisitorCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, fmt.Sprintf("invalid visitor: %v", err), http.StatusBadRequest)
		return
	}
	// IDs are node-local; never trust one from the wire.
	cmd.ID = message.NextID()

	ch := s.replies.expect(cmd.ID)
	defer s.replies.forget(cmd.ID)

	s.node.HandleVisitor(&cmd)

	ctx, cancel := context.WithTimeout(r.Context(), visitTimeout)
	defer cancel()

	select {
	case reply := <-ch:
		writeJSON(w, statusFor(reply.Result().Code), reply)
	case <-ctx.Done():
		s.logger.Warn().Stringer("visitor", &cmd).Msg("Timed out waiting for visitor reply")
		http.Error(w, "timed out waiting for visitor", http.StatusGatewayTimeout)
	}
}

// handleData stores and fetches documents by key, bypassing the
// coordination core.
//
// Endpoint: /data/{key}
//   - PUT: write the body to every replica of the key's bucket
//   - GET: read from the bucket's preferred replica
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	b := s.db.BucketForKey(key)
	entry, ok := s.db.Get(b)
	if !ok {
		http.Error(w, fmt.Sprintf("no replicas for %s", b), http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPut:
		value, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentLen))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		for _, idx := range entry.Nodes {
			if err := s.storage[idx].Put(b, key, value); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		store, err := s.storage[entry.Nodes[0]].Bucket(b)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		value, err := store.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(value)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := cluster.NodeInfo{
		Cluster: s.cfg.ClusterName,
		Index:   s.cfg.NodeIndex,
		Addr:    s.cfg.Listen,
		Status:  "ok",
	}
	code := http.StatusOK
	if s.node.Status().Closed {
		info.Status = "closing"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, info)
}

type statusResponse struct {
	Node    distributor.Status        `json:"node"`
	Storage []cluster.StorageNodeInfo `json:"storage"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Node: s.node.Status()}
	for _, n := range s.storage {
		stats := n.Stats()
		resp.Storage = append(resp.Storage, cluster.StorageNodeInfo{
			Index:   n.Index,
			Buckets: len(n.Buckets()),
			Visits:  stats.Visits,
			Rejects: stats.Rejects,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(code message.ReturnCode) int {
	switch code {
	case message.OK:
		return http.StatusOK
	case message.IllegalParameters:
		return http.StatusBadRequest
	case message.BucketNotFound:
		return http.StatusNotFound
	case message.Busy:
		return http.StatusConflict
	case message.Aborted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

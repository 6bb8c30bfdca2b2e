package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lab/treebatch/pkg/bitext"
	"github.com/lab/treebatch/pkg/checkpoint"
	"github.com/shirou/gopsutil/v3/process"
)

const RequestIDHeader = "X-Request-ID"

type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// BatchResponse is the body of GET /v1/batch
type BatchResponse struct {
	Epoch    int64      `json:"epoch"`
	Batch    int64      `json:"batch"`
	EpochEnd bool       `json:"epoch_end,omitempty"`
	Source   [][]int    `json:"source,omitempty"`
	Target   [][]int    `json:"target,omitempty"`
	Tree     [][]string `json:"tree,omitempty"`
}

// StatsResponse is the body of GET /v1/stats
type StatsResponse struct {
	Iterator bitext.Stats         `json:"iterator"`
	Epoch    int64                `json:"epoch"`
	Batch    int64                `json:"batch"`
	Buffered int                  `json:"buffered"`
	Uptime   string               `json:"uptime"`
	RSSBytes uint64               `json:"rss_bytes,omitempty"`
	Progress *checkpoint.Progress `json:"progress,omitempty"`
}

// Server exposes one Iterator over HTTP. Pulls are serialised with a mutex
// because the iterator is single-threaded.
type Server struct {
	mu    sync.Mutex
	it    *bitext.Iterator
	epoch int64
	batch int64

	store  *checkpoint.Store
	base   checkpoint.Progress
	corpus string

	logger  Logger
	engine  *gin.Engine
	started time.Time
}

type Option func(*Server)

func WithLogger(l Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCheckpoint saves cumulative progress to store at every epoch end.
func WithCheckpoint(store *checkpoint.Store) Option {
	return func(s *Server) { s.store = store }
}

func New(it *bitext.Iterator, opts ...Option) (*Server, error) {
	s := &Server{
		it:      it,
		logger:  nopLogger{},
		corpus:  it.Paths().Source,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store != nil {
		base, err := s.store.LoadOrNew(s.corpus)
		if err != nil {
			return nil, fmt.Errorf("failed to load progress: %w", err)
		}
		s.base = base
		s.epoch = base.Epochs
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestID())
	s.engine.GET("/healthz", s.handleHealth)
	v1 := s.engine.Group("/v1")
	v1.GET("/batch", s.handleBatch)
	v1.GET("/stats", s.handleStats)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving batches on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down batch server...")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s %d %v id=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), id)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleBatch(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.it.Next()
	if errors.Is(err, bitext.ErrEndOfEpoch) {
		finished := s.epoch
		s.epoch++
		s.batch = 0
		s.saveProgress()
		c.JSON(http.StatusOK, BatchResponse{Epoch: finished, EpochEnd: true})
		return
	}
	if err != nil {
		s.logger.Error("Batch pull failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := BatchResponse{
		Epoch:  s.epoch,
		Batch:  s.batch,
		Source: b.Source,
		Target: b.Target,
		Tree:   b.Tree,
	}
	s.batch++
	c.JSON(http.StatusOK, resp)
}

func (s *Server) saveProgress() {
	if s.store == nil {
		return
	}
	p := s.base.Add(s.it.Stats())
	p.UpdatedAt = time.Now()
	if err := s.store.Save(p); err != nil {
		s.logger.Warn("Failed to save progress for %s: %v", s.corpus, err)
	}
}

func (s *Server) handleStats(c *gin.Context) {
	s.mu.Lock()
	resp := StatsResponse{
		Iterator: s.it.Stats(),
		Epoch:    s.epoch,
		Batch:    s.batch,
		Buffered: s.it.Buffered(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if s.store != nil {
		p := s.base.Add(resp.Iterator)
		resp.Progress = &p
	}
	s.mu.Unlock()

	resp.RSSBytes = processRSS()
	c.JSON(http.StatusOK, resp)
}

func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

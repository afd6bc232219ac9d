package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 暴露/metrics与/sessions
type Server struct {
	registry *prometheus.Registry
	router   *mux.Router
	source   Source
	http     *http.Server
	log      *logger.Logger
}

// NewServer 创建独立Registry并注册会话采集器与进程采集器
func NewServer(src Source, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Default()
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, errors.Wrap(err, "register session collector")
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, errors.Wrap(err, "register go collector")
	}

	s := &Server{
		registry: reg,
		router:   mux.NewRouter(),
		source:   src,
		log:      log.Named("metrics"),
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	return s, nil
}

// ServeHTTP 使Server可直接挂载
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Registry() *prometheus.Registry { return s.registry }

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.SessionStats())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, st := range s.source.SessionStats() {
		if st.ID == id {
			s.writeJSON(w, http.StatusOK, st)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", logger.Err(err))
	}
}

// Serve 在ln上提供HTTP服务，ctx取消时优雅关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()
	s.log.Info("metrics server started", logger.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown metrics server")
		}
		return nil
	}
}

// ListenAndServe 监听addr并服务，直到ctx取消
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

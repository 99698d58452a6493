// Package api is the thin Request Surface & Serialization layer (spec
// §4.7): it adapts HTTP requests onto the transcode engine, live
// allocator, and guide plane, translating domain error kinds into HTTP
// status codes and rewriting outbound play URLs to the local HLS proxy.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunerbridge/tunerbridge/internal/discovery"
	"github.com/tunerbridge/tunerbridge/internal/guide"
	"github.com/tunerbridge/tunerbridge/internal/live"
	"github.com/tunerbridge/tunerbridge/internal/metrics"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/sync"
	"github.com/tunerbridge/tunerbridge/internal/transcode"
)

// CloudPinger checks vendor cloud reachability for /healthz.
type CloudPinger interface {
	Ping(ctx context.Context) error
}

// Server wires every component behind one http.ServeMux.
type Server struct {
	Addr      string
	Transcode *transcode.Engine
	Live      *live.Allocator
	Guide     *guide.Plane
	Sync      *sync.Adapter
	Episodes  *store.EpisodeRepo
	Discovery *discovery.Registry
	Cloud     CloudPinger // optional
	Channels  func() []guide.ChannelSpec

	srv *http.Server
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// 10s (mirrors internal/transcode and internal/live's own grace
// windows, scaled up for an HTTP listener draining in-flight requests).
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := s.Addr
	if addr == "" {
		addr = ":8480"
	}
	s.srv = &http.Server{Addr: addr, Handler: logRequests(mux)}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		serverErr <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("[api] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[api] shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/stream/", metrics.Instrument("/stream/", http.HandlerFunc(s.handleStream)))
	mux.Handle("/live/watch", metrics.Instrument("/live/watch", http.HandlerFunc(s.handleLiveWatch)))
	mux.Handle("/live/heartbeat", metrics.Instrument("/live/heartbeat", http.HandlerFunc(s.handleLiveHeartbeat)))
	mux.Handle("/live/stop", metrics.Instrument("/live/stop", http.HandlerFunc(s.handleLiveStop)))
	mux.Handle("/live/tuners", metrics.Instrument("/live/tuners", http.HandlerFunc(s.handleLiveTuners)))
	mux.Handle("/live/", metrics.Instrument("/live/", http.HandlerFunc(s.handleLiveSegment)))
	mux.Handle("/guide", metrics.Instrument("/guide", http.HandlerFunc(s.handleGuideWindow)))
	mux.Handle("/guide/now", metrics.Instrument("/guide/now", http.HandlerFunc(s.handleGuideNow)))
	mux.Handle("/guide/search", metrics.Instrument("/guide/search", http.HandlerFunc(s.handleGuideSearch)))
	mux.Handle("/recording-rules", metrics.Instrument("/recording-rules", http.HandlerFunc(s.handleRecordingRules)))
	mux.Handle("/episodes/", metrics.Instrument("/episodes/", http.HandlerFunc(s.handleEpisodes)))
	mux.Handle("/healthz", http.HandlerFunc(s.handleHealthz))
	mux.Handle("/metrics", promhttp.Handler())
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

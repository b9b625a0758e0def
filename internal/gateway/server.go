package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
)

// Server is the HTTP shell around the gateway: health, the WebSocket
// endpoint, and stored-media retrieval.
type Server struct {
	g        *Gateway
	upgrader websocket.Upgrader

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds the HTTP surface.
func NewServer(g *Gateway) *Server {
	s := &Server{
		g:        g,
		limiters: map[string]*rate.Limiter{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler is the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/media/", s.handleMedia)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// checkOrigin enforces the configured origin allowlist. No allowlist
// means any origin, which suits token-authenticated local deployments.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.g.Config().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser peers send no Origin.
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// limiter returns the per-address rate limiter, minted lazily.
func (s *Server) limiter(addr string) *rate.Limiter {
	rpm := s.g.Config().Gateway.RateLimitRPM
	if rpm <= 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
		s.limiters[host] = l
	}
	return l
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if l := s.limiter(r.RemoteAddr); l != nil && !l.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.g.logger.Warn("gateway.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	peer := NewPeer(s.g, conn)
	go peer.Run(r.Context())
}

// handleMedia serves stored attachments by basename. Keys are scoped
// under the owning session, so the lookup scans the media prefix.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/media/")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	info, ok := s.findMedia(ctx, name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if expired(info, s.g.now()) {
		s.g.blobs.Delete(ctx, info.Key)
		http.Error(w, "media expired", http.StatusGone)
		return
	}

	rc, info, err := s.g.blobs.Get(ctx, info.Key)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	io.Copy(w, rc)
}

func (s *Server) findMedia(ctx context.Context, name string) (*blob.ObjectInfo, bool) {
	infos, err := s.g.blobs.List(ctx, "media/")
	if err != nil {
		return nil, false
	}
	for i := range infos {
		if strings.HasSuffix(infos[i].Key, "/"+name) {
			return &infos[i], true
		}
	}
	return nil, false
}

func expired(info *blob.ObjectInfo, now time.Time) bool {
	raw, ok := info.Custom["expiresAt"]
	if !ok {
		return false
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return at <= now.UnixMilli()
}

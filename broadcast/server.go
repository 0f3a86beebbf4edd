// Package broadcast serves the shared frame store to HTTP viewers: a
// multipart MJPEG stream, a status query, the dashboard page and a websocket
// status push. Every viewer connection polls the store independently, so a
// slow viewer never affects ingest or other viewers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	golog "github.com/ipfs/go-log/v2"

	"strzcam.com/videorelay/config"
	"strzcam.com/videorelay/frame"
	"strzcam.com/videorelay/store"
)

var logger = golog.Logger("broadcast")

const shutdownWait = 5 * time.Second

type Server struct {
	store *store.Store
	cfg   config.Config
	mux   *http.ServeMux

	ctx     context.Context
	viewers atomic.Int32
	addr    atomic.Value // net.Addr, set once the socket is bound

	ws *statusSocket
}

type statusPayload struct {
	Connected bool `json:"connected"`
	TCPPort   int  `json:"tcp_port"`
	WebPort   int  `json:"web_port"`
}

func NewServer(st *store.Store, cfg config.Config) *Server {
	s := &Server{
		store: st,
		cfg:   cfg,
		mux:   http.NewServeMux(),
		ctx:   context.Background(),
	}
	s.ws = newStatusSocket(s)
	s.mux.HandleFunc("/video_feed", s.serveStream)
	s.mux.HandleFunc("/status", s.serveStatus)
	s.mux.HandleFunc("/ws", s.ws.serve)
	s.mux.HandleFunc("/", s.serveDashboard)
	return s
}

// HandleFunc registers an extra route on the broadcast server, used by the
// WebRTC relay to mount its signaling endpoints on the same port.
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Addr returns the bound address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	if a, ok := s.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully with a
// bounded wait. A bind failure is returned and is fatal to the process.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	ln, err := net.Listen("tcp", s.cfg.WebAddr())
	if err != nil {
		return fmt.Errorf("broadcast listen on %s: %w", s.cfg.WebAddr(), err)
	}
	s.addr.Store(ln.Addr())
	logger.Infof("Web dashboard listening on http://%s", ln.Addr())

	httpServer := &http.Server{Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Forcing broadcast server close: %v", err)
			httpServer.Close()
		}
		s.ws.closeAll()
	}()

	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) status() statusPayload {
	return statusPayload{
		Connected: s.store.Connected(),
		TCPPort:   s.cfg.TCPPort,
		WebPort:   s.cfg.WebPort,
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

// serveStream emits the live multipart image stream. Each part is the stored
// frame's bytes passed through unchanged, or the placeholder while the store
// is empty. The fixed interval paces the stream; an unchanged live frame is
// not re-sent — the viewer sleeps on the store until it moves — while the
// placeholder is resent every tick so an idle stream stays visibly alive.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	if int(s.viewers.Load()) >= s.cfg.MaxViewers {
		logger.Warnf("Rejecting viewer %s: viewer limit %d reached", r.RemoteAddr, s.cfg.MaxViewers)
		http.Error(w, "viewer limit reached", http.StatusServiceUnavailable)
		return
	}
	s.viewers.Add(1)
	defer s.viewers.Add(-1)

	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	mw := multipart.NewWriter(w)
	mw.SetBoundary("frame")
	rc := http.NewResponseController(w)
	flusher, _ := w.(http.Flusher)

	logger.Infof("Viewer connected from %s", r.RemoteAddr)
	defer logger.Infof("Viewer disconnected from %s", r.RemoteAddr)

	// One context covering both the viewer going away and server shutdown,
	// so a wait on the store ends on either.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	lastSeq := uint64(math.MaxUint64) // sentinel: nothing sent yet
	for {
		f, seq := s.store.Read()
		if f != nil && seq == lastSeq {
			f, seq = s.store.WaitChange(ctx, lastSeq)
			if ctx.Err() != nil {
				return
			}
		}

		data := frame.Placeholder()
		if f != nil {
			data = f.Data
		}
		rc.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
		if err := writeJPEGPart(mw, data); err != nil {
			// Viewer went away; ends this loop only.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		lastSeq = seq

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// writeJPEGPart writes one boundary-delimited part carrying raw JPEG bytes.
func writeJPEGPart(mw *multipart.Writer, data []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", len(data)))

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

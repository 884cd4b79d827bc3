// Package web is the thin HTTP/SSE surface over the kernel: status,
// system parameters, streaming chat and external agent registration. The
// heavy lifting stays in the kernel; handlers only translate HTTP.
package web

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Server holds the HTTP server and its kernel dependency.
type Server struct {
	kernel KernelAPI
	port   string
	mux    *http.ServeMux
}

// NewServer creates the web server over the given kernel.
func NewServer(k KernelAPI, port string) *Server {
	s := &Server{kernel: k, port: port, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/system_parameters", s.handleSystemParameters)
	s.mux.HandleFunc("/api/stream_chat", s.handleStreamChat)
	s.mux.HandleFunc("/api/agents/external", s.handleExternalAgents)
}

// Handler exposes the mux, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening with graceful shutdown. On SIGINT/SIGTERM it
// waits up to 10s for in-flight requests, so the kernel's deferred
// Shutdown runs reliably.
func (s *Server) Start() error {
	port := s.port
	if port == "" {
		port = "8080"
	}

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: s.mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("[Web] Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Web] Graceful shutdown error: %v", err)
		}
	}()

	log.Printf("[Web] GCS runtime listening at http://localhost%s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Printf("[Web] Server stopped gracefully")
		return nil
	}
	return err
}

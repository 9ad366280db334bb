// Package server - Debug-HTTP-Server ueber der KV-Cache-Fassade
//
// Dieses Modul enthaelt:
// - Server: haelt Manager und Adresse
// - GenerateRoutes: erstellt und konfiguriert den HTTP-Router
// - Serve: startet den HTTP-Server
// - StatsHandler, FreeListHandler, TrieHandler, EnvHandler
//
// Der Server ist ein reiner Beobachter: jede Route liest Snapshots
// ueber die Fassade, nichts mutiert Manager-Zustand.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/kvblock/kvblock/config"
	"github.com/kvblock/kvblock/kvcache"
	"github.com/kvblock/kvblock/version"
)

// Server bedient die Debug-Routen ueber einer laufenden Fassade.
type Server struct {
	kv   *kvcache.Manager
	addr net.Addr
}

// NewServer wraps kv for serving.
func NewServer(kv *kvcache.Manager) *Server {
	return &Server{kv: kv}
}

// StatsHandler gibt den Stats-Snapshot als JSON zurueck
func (s *Server) StatsHandler(c *gin.Context) {
	stats := s.kv.Stats()
	c.JSON(http.StatusOK, gin.H{
		"max_num_blocks":     stats.MaxNumBlocks,
		"free_num_blocks":    stats.FreeNumBlocks,
		"used_num_blocks":    stats.UsedNumBlocks,
		"tokens_per_block":   stats.ToksPerBlock,
		"alloc_total_blocks": stats.AllocTotalBlocks,
		"alloc_new_blocks":   stats.AllocNewBlocks,
		"reused_blocks":      stats.ReusedBlocks,
	})
}

// FreeListHandler gibt beide Freilisten von vorn nach hinten zurueck
func (s *Server) FreeListHandler(c *gin.Context) {
	bm := s.kv.BlockManager()
	if bm == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "pools not allocated"})
		return
	}
	primary, secondary := bm.FreeListSnapshot()
	c.JSON(http.StatusOK, gin.H{"primary": primary, "secondary": secondary})
}

// TrieHandler gibt die aktuelle Trie-Form zurueck
func (s *Server) TrieHandler(c *gin.Context) {
	bm := s.kv.BlockManager()
	if bm == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "pools not allocated"})
		return
	}
	c.JSON(http.StatusOK, bm.TrieSnapshot())
}

// EnvHandler gibt die wirksame Konfiguration zurueck
func (s *Server) EnvHandler(c *gin.Context) {
	c.JSON(http.StatusOK, config.Values())
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "kvblock is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "kvblock is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	// Introspection
	r.GET("/api/stats", s.StatsHandler)
	r.GET("/api/env", s.EnvHandler)
	r.GET("/api/debug/freelist", s.FreeListHandler)
	r.GET("/api/debug/trie", s.TrieHandler)

	return r
}

// Serve startet den HTTP-Server ueber kv auf ln
func Serve(ln net.Listener, kv *kvcache.Manager) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel()})))
	slog.Info("server config", "env", config.Values())

	s := &Server{kv: kv, addr: ln.Addr()}
	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))

	srvr := &http.Server{Handler: s.GenerateRoutes()}
	return srvr.Serve(ln)
}

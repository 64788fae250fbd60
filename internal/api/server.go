package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/database"
)

// Server exposes a read-only status API for the operator UI. It never
// mutates worker state.
type Server struct {
	cfg         config.APIConfig
	assets      *database.AssetRepository
	status      *database.StatusRepository
	diagnostics *database.DiagnosticsRepository
	ranges      *database.RangeRepository
	logger      zerolog.Logger
	httpServer  *http.Server
}

// NewServer creates the status API server
func NewServer(cfg config.APIConfig, assets *database.AssetRepository, status *database.StatusRepository, diagnostics *database.DiagnosticsRepository, ranges *database.RangeRepository, logger zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		assets:      assets,
		status:      status,
		diagnostics: diagnostics,
		ranges:      ranges,
		logger:      logger.With().Str("component", "StatusAPI").Logger(),
	}
}

// Start serves until the context is cancelled. A port of 0 disables the
// API entirely.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Port == 0 {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if s.cfg.AllowedOrigins == "" || s.cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(s.cfg.AllowedOrigins, ",")
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)
	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/assets", s.handleAssets)
		api.GET("/assets/:epic/diagnostics", s.handleDiagnostics)
		api.GET("/assets/:epic/ranges/:phase", s.handleRange)
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Int("port", s.cfg.Port).Msg("status API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.status.GetStatus(c.Request.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("status read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status unavailable"})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker has not run yet"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAssets(c *gin.Context) {
	assets, err := s.assets.GetActiveAssets(c.Request.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("asset read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assets unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets, "count": len(assets)})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	asset, err := s.assets.GetAssetByEpic(c.Request.Context(), c.Param("epic"))
	if err != nil || asset == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return
	}

	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		hours = 24
	}
	to := time.Now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)

	aggregated, err := s.diagnostics.Aggregate(c.Request.Context(), asset.ID, from, to)
	if err != nil {
		s.logger.Warn().Err(err).Str("epic", asset.Epic).Msg("diagnostics read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "diagnostics unavailable"})
		return
	}
	c.JSON(http.StatusOK, aggregated)
}

func (s *Server) handleRange(c *gin.Context) {
	asset, err := s.assets.GetAssetByEpic(c.Request.Context(), c.Param("epic"))
	if err != nil || asset == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return
	}

	rng, err := s.ranges.LatestValidRange(c.Request.Context(), asset.ID, c.Param("phase"), 24*time.Hour)
	if err != nil {
		s.logger.Warn().Err(err).Str("epic", asset.Epic).Msg("range read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "range unavailable"})
		return
	}
	if rng == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recent range"})
		return
	}
	c.JSON(http.StatusOK, rng)
}

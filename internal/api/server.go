// Package api is the thin HTTP adapter over the ledger core. It maps routes
// to engine, wallet and settlement operations and domain error kinds to
// status codes; it holds no business logic of its own.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coinpeak/ledgerex/internal/engine"
	"github.com/coinpeak/ledgerex/internal/settlement"
	"github.com/coinpeak/ledgerex/internal/wallet"
)

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	engine    *engine.Engine
	wallets   *wallet.Store
	settler   *settlement.Coordinator
	validator *validator.Validate
	jwtSecret []byte
}

// NewServer creates a new API server with injected ledger services.
func NewServer(
	logger *zap.Logger,
	eng *engine.Engine,
	wallets *wallet.Store,
	settler *settlement.Coordinator,
	jwtSecret []byte,
) *Server {
	server := &Server{
		logger:    logger,
		engine:    eng,
		wallets:   wallets,
		settler:   settler,
		validator: validator.New(),
		jwtSecret: jwtSecret,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
	}

	// Everything below trusts the authenticated user id supplied by the
	// session layer's token.
	protected := s.router.Group("/api/v1")
	protected.Use(s.authMiddleware())
	{
		orders := protected.Group("/orders")
		{
			orders.POST("", s.submitOrder)
			orders.GET("", s.listOrders)
			orders.GET("/:id", s.getOrder)
			orders.DELETE("/:id", s.cancelOrder)
			orders.POST("/:id/execute", s.executeOrder)
		}

		wallets := protected.Group("/wallets")
		{
			wallets.GET("", s.listWallets)
			wallets.GET("/:currency", s.getWallet)
			wallets.GET("/:currency/journal", s.getWalletJournal)
			wallets.GET("/:currency/reconcile", s.reconcileWallet)
		}

		funding := protected.Group("/funding")
		{
			funding.POST("/deposits", s.deposit)
			funding.POST("/withdrawals", s.withdraw)
		}

		protected.GET("/transactions", s.listTransactions)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "time": time.Now().UTC()})
}

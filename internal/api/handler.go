package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/agent"
	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/internal/router"
	"settlement-core/internal/rules"
	"settlement-core/pkg/crypto"
	"settlement-core/pkg/db"
	"settlement-core/pkg/logging"
)

// Trading is the mode-aware order surface, normally *router.Router.
type Trading interface {
	order.Service
	Mode(ctx context.Context, userID string) (*router.ModeStatus, error)
	SetMode(ctx context.Context, userID, mode string) (*router.ModeStatus, error)
}

// Commands is the natural-language command surface, normally *agent.Service.
type Commands interface {
	Submit(ctx context.Context, userID, text string) (*agent.SubmitResult, error)
	Confirm(ctx context.Context, userID, token string) (*agent.Result, error)
	Cancel(ctx context.Context, token string) error
}

// MarketData serves the latest tick of a symbol.
type MarketData interface {
	Latest(ctx context.Context, symbol string) (order.Tick, error)
}

// GatewayEvictor drops a pooled exchange client after its credentials change.
type GatewayEvictor interface {
	Remove(userID string)
}

// Deps are the collaborators of the HTTP layer. Keys and Gateways may be nil when live
// trading is not configured.
type Deps struct {
	DB       *db.Database
	Trading  Trading
	Commands Commands
	Rules    *rules.Store
	Market   MarketData
	Keys     *crypto.KeyManager
	Gateways GatewayEvictor
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Log      logrus.FieldLogger
}

// Options are the HTTP-level settings.
type Options struct {
	JWTSecret      string
	InitialBalance decimal.Decimal
	Symbols        []string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

// Server wires HTTP endpoints around the settlement services.
type Server struct {
	Router *gin.Engine

	db             *db.Database
	trading        Trading
	commands       Commands
	rules          *rules.Store
	market         MarketData
	keys           *crypto.KeyManager
	gateways       GatewayEvictor
	bus            *events.Bus
	metrics        *monitor.Metrics
	log            logrus.FieldLogger
	limiter        *ipLimiter
	jwtSecret      string
	initialBalance decimal.Decimal
	symbols        []string
}

func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		db:             deps.DB,
		trading:        deps.Trading,
		commands:       deps.Commands,
		rules:          deps.Rules,
		market:         deps.Market,
		keys:           deps.Keys,
		gateways:       deps.Gateways,
		bus:            deps.Bus,
		metrics:        deps.Metrics,
		log:            logging.Component(deps.Log, "api"),
		limiter:        newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		jwtSecret:      opts.JWTSecret,
		initialBalance: opts.InitialBalance,
		symbols:        opts.Symbols,
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.log, s.metrics))
	r.Use(RateLimitMiddleware(s.limiter, s.log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	s.Router = r
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		api.GET("/markets", s.listMarkets)
		api.GET("/prices/latest", s.latestPrice)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			trade := protected.Group("/trade")
			trade.POST("/orders", s.placeOrder)
			trade.GET("/orders", s.orderHistory)
			trade.GET("/orders/open", s.openOrders)
			trade.DELETE("/orders/:id", s.cancelOrder)
			trade.GET("/portfolio", s.portfolio)

			account := protected.Group("/account")
			account.GET("/balance", s.balance)
			account.GET("/trading-mode", s.tradingMode)
			account.POST("/trading-mode", s.setTradingMode)
			account.GET("/connections", s.listConnections)
			account.POST("/connections", s.createConnection)
			account.DELETE("/connections/:id", s.deactivateConnection)

			ai := protected.Group("/ai")
			ai.POST("/command", s.submitCommand)
			ai.POST("/confirm/:token", s.confirmCommand)
			ai.DELETE("/confirm/:token", s.cancelCommand)
			ai.GET("/rules", s.listRules)
			ai.DELETE("/rules/:id", s.deactivateRule)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if err := s.db.DB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Run serves addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiter.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

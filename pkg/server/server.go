package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/auth"
	"github.com/Layr-Labs/car-trading-go/pkg/config"
	"github.com/Layr-Labs/car-trading-go/pkg/marketplace"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

/*
Server exposes the marketplace over HTTP. All routes live under server.routerMountPath.

Reads:
  GET  /health             store health
  GET  /cars               every car, read from the ledger
  GET  /cars/{id}          one car; stale snapshot when the ledger is unreachable
  GET  /trades             the trade journal, open entries refreshed first
  GET  /trades/{hash}      one journal entry by transaction hash

Trades (bearer auth when a secret is configured, rate limited):
  POST /cars               { make, model, price }
  POST /cars/{id}/buy      { value? }  value defaults to the listed price
  POST /cars/{id}/transfer { newOwner }
  POST /cars/{id}/delist

A trade responds once its receipt is in. When the confirmation window passes first the
response is 202 with the transaction hash, which GET /trades/{hash} resolves later.
*/

// IMarketplace is the set of operations the HTTP layer serves.
type IMarketplace interface {
	ListCar(ctx context.Context, carMake, carModel, priceEther string) (*types.TradeRecord, error)
	BuyCar(ctx context.Context, carID uint64, valueEther string) (*types.TradeRecord, error)
	TransferOwnership(ctx context.Context, carID uint64, newOwner string) (*types.TradeRecord, error)
	DelistCar(ctx context.Context, carID uint64) (*types.TradeRecord, error)
	GetCar(ctx context.Context, carID uint64) (*marketplace.CarView, error)
	ListCars(ctx context.Context) ([]*marketplace.CarView, error)
	GetTrade(ctx context.Context, txHash string) (*types.TradeRecord, error)
	ListTrades(ctx context.Context) ([]*types.TradeRecord, error)
	HealthCheck() error
}

type Server struct {
	config        *config.ServerConfig
	marketplace   IMarketplace
	authenticator *auth.Authenticator
	limiter       *rate.Limiter
	logger        *zap.Logger

	router     *mux.Router
	httpServer *http.Server
}

// NewServer builds the router. A nil authenticator leaves trade routes open.
func NewServer(cfg *config.ServerConfig, mp IMarketplace, authenticator *auth.Authenticator, logger *zap.Logger) *Server {
	s := &Server{
		config:        cfg,
		marketplace:   mp,
		authenticator: authenticator,
		limiter:       rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), cfg.WriteBurst),
		logger:        logger,
		router:        mux.NewRouter(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           c.Handler(s.withRequestID(s.router)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router
	if mount := strings.TrimSuffix(s.config.RouterMountPath, "/"); mount != "" {
		api = s.router.PathPrefix(mount).Subrouter()
	}

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/cars", s.handleListCars).Methods(http.MethodGet)
	api.HandleFunc("/cars/{id}", s.handleGetCar).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleListTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/{hash}", s.handleGetTrade).Methods(http.MethodGet)

	api.Handle("/cars", s.guard(s.handleListCar)).Methods(http.MethodPost)
	api.Handle("/cars/{id}/buy", s.guard(s.handleBuyCar)).Methods(http.MethodPost)
	api.Handle("/cars/{id}/transfer", s.guard(s.handleTransferOwnership)).Methods(http.MethodPost)
	api.Handle("/cars/{id}/delist", s.guard(s.handleDelistCar)).Methods(http.MethodPost)
}

// Start listens on the configured port and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}

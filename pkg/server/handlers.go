package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type listCarRequest struct {
	Make  string `json:"make"`
	Model string `json:"model"`
	// Price in ether, e.g. "1.5"
	Price json.Number `json:"price"`
}

type buyCarRequest struct {
	// Value in ether; empty pays the listed price
	Value json.Number `json:"value"`
}

type transferRequest struct {
	NewOwner string `json:"newOwner"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.marketplace.HealthCheck(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCars(w http.ResponseWriter, r *http.Request) {
	cars, err := s.marketplace.ListCars(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cars)
}

func (s *Server) handleGetCar(w http.ResponseWriter, r *http.Request) {
	carID, ok := carIDFrom(w, r)
	if !ok {
		return
	}
	car, err := s.marketplace.GetCar(r.Context(), carID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, car)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.marketplace.ListTrades(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.marketplace.GetTrade(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

func (s *Server) handleListCar(w http.ResponseWriter, r *http.Request) {
	var req listCarRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Make == "" || req.Model == "" || req.Price == "" {
		respondError(w, r, http.StatusBadRequest, kindBadRequest, "make, model and price are required", "")
		return
	}

	s.logTradeRequest(r, "listCar")
	record, err := s.marketplace.ListCar(r.Context(), req.Make, req.Model, req.Price.String())
	s.respondTrade(w, r, http.StatusCreated, record, err)
}

func (s *Server) handleBuyCar(w http.ResponseWriter, r *http.Request) {
	carID, ok := carIDFrom(w, r)
	if !ok {
		return
	}
	var req buyCarRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	s.logTradeRequest(r, "buyCar")
	record, err := s.marketplace.BuyCar(r.Context(), carID, req.Value.String())
	s.respondTrade(w, r, http.StatusOK, record, err)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	carID, ok := carIDFrom(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.NewOwner == "" {
		respondError(w, r, http.StatusBadRequest, kindBadRequest, "newOwner is required", "")
		return
	}

	s.logTradeRequest(r, "transferOwnership")
	record, err := s.marketplace.TransferOwnership(r.Context(), carID, req.NewOwner)
	s.respondTrade(w, r, http.StatusOK, record, err)
}

func (s *Server) handleDelistCar(w http.ResponseWriter, r *http.Request) {
	carID, ok := carIDFrom(w, r)
	if !ok {
		return
	}

	s.logTradeRequest(r, "delistCar")
	record, err := s.marketplace.DelistCar(r.Context(), carID)
	s.respondTrade(w, r, http.StatusOK, record, err)
}

func (s *Server) respondTrade(w http.ResponseWriter, r *http.Request, status int, record *types.TradeRecord, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, status, record)
}

func (s *Server) logTradeRequest(r *http.Request, operation string) {
	s.logger.Sugar().Infow("Trade requested",
		zap.String("requestId", requestIDFrom(r.Context())),
		zap.String("operation", operation),
		zap.String("subject", subjectFrom(r.Context())),
	)
}

func carIDFrom(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["id"]
	carID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, kindBadRequest, fmt.Sprintf("invalid car id %q", raw), "")
		return 0, false
	}
	return carID, true
}

// decodeBody reads a JSON body into v. With optional set an empty body is accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		if optional && err == io.EOF {
			return true
		}
		respondError(w, r, http.StatusBadRequest, kindBadRequest, fmt.Sprintf("failed to parse request: %v", err), "")
		return false
	}
	return true
}

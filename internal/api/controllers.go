package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/gateway"
	"settlement-core/internal/order"
	"settlement-core/pkg/db"
)

type placeOrderRequest struct {
	Symbol     string           `json:"symbol" binding:"required"`
	Side       string           `json:"side" binding:"required"`
	Type       string           `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limitPrice"`
}

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type createConnectionRequest struct {
	Name         string `json:"name"`
	ExchangeType string `json:"exchange_type"`
	APIKey       string `json:"api_key" binding:"required,min=1"`
	APISecret    string `json:"api_secret" binding:"required,min=1"`
}

type commandRequest struct {
	Text string `json:"text" binding:"required"`
}

// Trading

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	o, err := s.trading.PlaceOrder(c.Request.Context(), CurrentUserID(c), order.PlaceRequest{
		Symbol:     req.Symbol,
		Side:       order.Side(req.Side),
		Type:       order.Type(req.Type),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) orderHistory(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query")
		return
	}
	q.normalize()
	orders, err := s.trading.OrderHistory(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(orders))
}

func (s *Server) openOrders(c *gin.Context) {
	orders, err := s.trading.OpenOrders(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(orders))
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.trading.CancelOrder(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type positionView struct {
	order.Position
	CurrentPrice *decimal.Decimal `json:"currentPrice,omitempty"`
	MarketValue  *decimal.Decimal `json:"marketValue,omitempty"`
}

// portfolio values each position at the latest price when one is available.
func (s *Server) portfolio(c *gin.Context) {
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	positions, err := s.trading.Portfolio(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	cash, err := s.trading.Balance(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}

	total := cash
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		v := positionView{Position: p}
		if s.market != nil {
			if t, err := s.market.Latest(ctx, p.Symbol); err == nil && t.Last.IsPositive() {
				price := t.Last
				value := p.Quantity.Mul(price).Round(order.CashScale)
				v.CurrentPrice, v.MarketValue = &price, &value
				total = total.Add(value)
			}
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{
		"cash":       cash,
		"positions":  views,
		"totalValue": total,
	})
}

// Account

func (s *Server) balance(c *gin.Context) {
	bal, err := s.trading.Balance(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "currency": "USD"})
}

func (s *Server) tradingMode(c *gin.Context) {
	status, err := s.trading.Mode(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) setTradingMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "mode is required")
		return
	}
	status, err := s.trading.SetMode(c.Request.Context(), CurrentUserID(c), req.Mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Exchange connections (per-user)

// listConnections returns all connections for the current user, without credentials.
func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.db.Queries().ListConnectionsByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		out = append(out, gin.H{
			"id":            conn.ID,
			"name":          conn.Name,
			"exchange_type": conn.ExchangeType,
			"is_active":     conn.IsActive,
			"key_version":   conn.KeyVersion,
			"created_at":    conn.CreatedAt,
			"updated_at":    conn.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// createConnection encrypts and stores exchange credentials for the current user.
func (s *Server) createConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "api_key and api_secret are required")
		return
	}
	if s.keys == nil {
		respondError(c, http.StatusServiceUnavailable, "CONFIG_ERROR", "credential encryption is not configured")
		return
	}
	exchangeType := strings.ToLower(strings.TrimSpace(req.ExchangeType))
	if exchangeType == "" {
		exchangeType = gateway.ExchangeKraken
	}
	if exchangeType != gateway.ExchangeKraken {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "unsupported exchange_type: "+exchangeType)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Kraken"
	}

	encKey, encSecret, version, err := s.keys.SealPair(strings.TrimSpace(req.APIKey), strings.TrimSpace(req.APISecret))
	if err != nil {
		s.fail(c, err)
		return
	}
	now := time.Now().UTC()
	conn := db.Connection{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExchangeType:       exchangeType,
		Name:               name,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         version,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.Queries().CreateConnection(c.Request.Context(), conn); err != nil {
		s.fail(c, err)
		return
	}
	if s.gateways != nil {
		s.gateways.Remove(userID)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "connection_id": conn.ID}).Info("connection created")

	c.JSON(http.StatusCreated, gin.H{
		"id":            conn.ID,
		"name":          conn.Name,
		"exchange_type": conn.ExchangeType,
		"is_active":     conn.IsActive,
		"encrypted":     true,
		"key_version":   conn.KeyVersion,
		"created_at":    conn.CreatedAt,
	})
}

// deactivateConnection marks a connection as inactive (soft-delete) for the current user.
func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	id := c.Param("id")
	if err := s.db.Queries().DeactivateConnection(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "connection not found")
			return
		}
		s.fail(c, err)
		return
	}
	if s.gateways != nil {
		s.gateways.Remove(userID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// AI commands and rules

func (s *Server) submitCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "text is required")
		return
	}
	res, err := s.commands.Submit(c.Request.Context(), CurrentUserID(c), req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) confirmCommand(c *gin.Context) {
	res, err := s.commands.Confirm(c.Request.Context(), CurrentUserID(c), c.Param("token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancelCommand(c *gin.Context) {
	if err := s.commands.Cancel(c.Request.Context(), c.Param("token")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) listRules(c *gin.Context) {
	list, err := s.rules.List(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) deactivateRule(c *gin.Context) {
	if err := s.rules.Deactivate(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// Market data

func (s *Server) listMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.symbols})
}

func (s *Server) latestPrice(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required")
		return
	}
	if s.market == nil {
		respondError(c, http.StatusServiceUnavailable, "MARKET_DATA_UNAVAILABLE", "market data is not configured")
		return
	}
	t, err := s.market.Latest(c.Request.Context(), symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

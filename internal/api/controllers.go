package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quantcore/internal/backtest"
	"quantcore/internal/killswitch"
	"quantcore/internal/optimize"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) getRunners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runners": s.Engine.Runners()})
}

type subscriptionRequest struct {
	ID         string         `json:"id" binding:"required,min=1"`
	Account    string         `json:"account" binding:"required,min=1"`
	Type       string         `json:"type" binding:"required,min=1"`
	Symbol     string         `json:"symbol" binding:"required,min=1"`
	Interval   string         `json:"interval"`
	Broker     string         `json:"broker" binding:"required,min=1"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) startSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := strategy.SubscriptionConfig{
		ID:         req.ID,
		Account:    req.Account,
		Type:       req.Type,
		Symbol:     req.Symbol,
		Interval:   req.Interval,
		Broker:     req.Broker,
		Parameters: req.Parameters,
		IsActive:   true,
	}
	if err := s.Engine.StartSubscription(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (s *Server) stopSubscription(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.StopSubscription(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "stopped": true})
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.Positions(c.Request.Context(), c.Param("account"))
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.Engine.Orders(c.Request.Context(), c.Param("account"), listLimit(c))
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.Engine.Trades(c.Request.Context(), c.Param("account"), listLimit(c))
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getRoundTrips(c *gin.Context) {
	trips, err := s.Engine.RoundTrips(c.Request.Context(), c.Param("account"), listLimit(c))
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round_trips": trips})
}

func (s *Server) getKillSwitch(c *gin.Context) {
	scope := c.DefaultQuery("scope", killswitch.ScopeGlobal)
	state, err := s.Engine.KillSwitch(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

type tripRequest struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason" binding:"required,min=1"`
}

func (s *Server) tripKillSwitch(c *gin.Context) {
	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Scope == "" {
		req.Scope = killswitch.ScopeGlobal
	}
	if err := s.Engine.TripKillSwitch(c.Request.Context(), req.Scope, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": req.Scope, "tripped": true})
}

type resetRequest struct {
	Scope        string `json:"scope"`
	AuthorizedBy string `json:"authorized_by" binding:"required,min=1"`
}

func (s *Server) resetKillSwitch(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Scope == "" {
		req.Scope = killswitch.ScopeGlobal
	}
	err := s.Engine.ResetKillSwitch(c.Request.Context(), req.Scope, req.AuthorizedBy)
	if errors.Is(err, killswitch.ErrUnauthorized) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": req.Scope, "tripped": false})
}

func (s *Server) submitBacktest(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.Engine.SubmitBacktest(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// optimizationRequest carries the job plus an objective selected by name.
type optimizationRequest struct {
	optimize.Request
	Objective string `json:"objective"`
}

func (s *Server) submitOptimization(c *gin.Context) {
	var req optimizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job := req.Request
	switch req.Objective {
	case "", "sharpe":
		job.Objective = optimize.ObjectiveSharpe
	case "return_over_drawdown":
		job.Objective = optimize.ObjectiveReturnOverDrawdown
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown objective " + req.Objective})
		return
	}
	id, err := s.Engine.SubmitOptimization(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.Engine.ListRuns(c.Request.Context())
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.Engine.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) dbError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, db.ErrAccountRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

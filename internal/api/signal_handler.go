package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradefleet/internal/dispatch"
	"tradefleet/internal/order"
)

// handleSignal ingests a strategy signal and fans it out to the routed
// accounts. Partial fleet success is still a 200: per-account outcomes
// are in the body.
func (s *Server) handleSignal(c *gin.Context) {
	var sig order.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal body: " + err.Error()})
		return
	}
	if err := sig.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.API.GetRequestDeadline())
	defer cancel()

	agg, err := s.coord.DispatchSignal(ctx, sig)
	writeDispatchResult(c, agg, err)
}

// handleTrade executes a signal on an explicitly named account list,
// bypassing the strategy map. The protected-port filter still applies.
func (s *Server) handleTrade(c *gin.Context) {
	var req struct {
		Accounts []string `json:"accounts"`
		order.Signal
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade body: " + err.Error()})
		return
	}
	if len(req.Accounts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accounts list is required"})
		return
	}
	if err := req.Signal.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.API.GetRequestDeadline())
	defer cancel()

	agg, err := s.coord.DispatchTo(ctx, req.Accounts, req.Signal)
	writeDispatchResult(c, agg, err)
}

func writeDispatchResult(c *gin.Context, agg *dispatch.AggregateReport, err error) {
	if err != nil {
		if errors.Is(err, dispatch.ErrRoutingEmpty) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "signal matched no eligible accounts",
				"skipped": agg.Skipped,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !agg.AnySuccess() {
		// Routed, but nothing filled: the fleet could not execute.
		c.JSON(http.StatusServiceUnavailable, agg)
		return
	}
	c.JSON(http.StatusOK, agg)
}

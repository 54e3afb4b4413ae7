package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/payment"
	"github.com/hupe1980/coralmesh/registry"
)

func (s *Server) listAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Registry.Public())
}

func (s *Server) exportedAgent(c echo.Context) error {
	id := registry.Identifier{Name: c.Param("name"), Version: c.Param("version")}
	agent, ok := s.opts.Registry.FindAgent(id)
	if !ok || len(agent.Export) == 0 {
		return errs.NotFound("agent %s is not exported", id)
	}

	out := make(map[registry.RuntimeID]registry.PublicExportSettings, len(agent.Export))
	for rt, settings := range agent.Export {
		out[rt] = settings.Public()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) wallet(c echo.Context) error {
	if s.opts.Wallet == "" {
		return errs.Unavailable("no wallet configured")
	}
	return c.String(http.StatusOK, s.opts.Wallet)
}

func (s *Server) claimAgent(c echo.Context) error {
	if s.opts.Remote == nil {
		return errs.Unavailable("remote sessions are disabled")
	}

	var req graph.PaidAgentRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	id, err := s.opts.Remote.CheckPaymentAndCreateClaim(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, id)
}

func (s *Server) claimPayment(c echo.Context) error {
	if s.opts.Remote == nil {
		return errs.Unavailable("remote sessions are disabled")
	}

	var req payment.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	budget, err := s.opts.Remote.AddClaim(c.Request().Context(), c.Param("remoteSessionId"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, budget)
}

func (s *Server) tunnel(c echo.Context) error {
	if s.opts.Remote == nil {
		return errs.Unavailable("remote sessions are disabled")
	}

	claimID := c.Param("claimId")
	if err := s.opts.Remote.ServeTunnel(c.Response(), c.Request(), claimID); err != nil {
		// The connection was upgraded, so nothing can be written anymore.
		s.opts.Logger.Warn("api.tunnel.closed", "claim_id", claimID, "error", err.Error())
	}
	return nil
}

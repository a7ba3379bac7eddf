package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo"
)

type errorResponse struct {
	Reason string `json:"reason"`
}

type hintInput struct {
	SuspectedHeight string `json:"suspected_height"`
}

// RegisterRoutes mounts the read API on an echo router under /api.
func (s *Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/auctions/:auctionId", s.handleGetAuction)
	g.GET("/auctions/:auctionId/bids", s.handleListBids)
	g.GET("/auctions/:auctionId/bids/:bidder", s.handleGetBid)
	g.GET("/auctions/:auctionId/status", s.handleGetStatus)
	g.POST("/auctions/:auctionId/reconcile", s.handleReconciliationHint)
}

func (s *Service) handleGetAuction(c echo.Context) error {
	v, err := s.GetAuction(c.Request().Context(), c.Param("auctionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Service) handleListBids(c echo.Context) error {
	views, err := s.ListBidsForAuction(c.Request().Context(), c.Param("auctionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Service) handleGetBid(c echo.Context) error {
	v, err := s.GetBid(c.Request().Context(), c.Param("auctionId"), c.Param("bidder"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Service) handleGetStatus(c echo.Context) error {
	v, err := s.GetAuctionStatus(c.Request().Context(), c.Param("auctionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Service) handleReconciliationHint(c echo.Context) error {
	var input hintInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{"Input data is not formed correctly"})
	}
	height, err := strconv.ParseUint(input.SuspectedHeight, 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{"suspected_height must be a decimal block height"})
	}
	if err := s.SubmitReconciliationHint(c.Request().Context(), c.Param("auctionId"), height); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func writeError(c echo.Context, err error) error {
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{err.Error()})
	}
	return c.JSON(http.StatusBadRequest, errorResponse{err.Error()})
}

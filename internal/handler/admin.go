package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"streamgate/internal/routing"
)

// AdminHandler serves read-only administrative endpoints.
type AdminHandler struct {
	table *routing.Table
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(table *routing.Table) *AdminHandler {
	return &AdminHandler{table: table}
}

// routeInfo is the JSON shape of one compiled rule.
type routeInfo struct {
	MatchPrefix  string `json:"match_prefix"`
	Target       string `json:"target"`
	TotalTimeout string `json:"total_timeout"`
}

// Routes lists the compiled route rules in registration order.
func (h *AdminHandler) Routes(c echo.Context) error {
	rules := h.table.Rules()
	out := make([]routeInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, routeInfo{
			MatchPrefix:  r.MatchPrefix,
			Target:       r.Target.String(),
			TotalTimeout: r.TotalTimeout.String(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

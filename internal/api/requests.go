package api

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mcules/opus-mt-server/internal/route"
)

type translateRequest struct {
	Source string `json:"source" binding:"required"`
	Target string `json:"target" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

type batchRequest struct {
	Source string `json:"source" binding:"required"`
	Target string `json:"target" binding:"required"`
	// Elements are checked by hand so non-strings get a precise message.
	Texts []any `json:"texts" binding:"required"`
}

type routeRequest struct {
	Source string `json:"source" binding:"required"`
	Target string `json:"target" binding:"required"`
}

func (r routeRequest) route() route.Route { return route.New(r.Source, r.Target) }

// bindError classifies a ShouldBindJSON failure.
type bindError int

const (
	bindOK bindError = iota
	bindNotJSON
	bindMissing
	bindWrongType
)

func bindJSON(c *gin.Context, dst any) (bindError, string) {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return bindOK, ""
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return bindMissing, ""
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return bindWrongType, typeErr.Field
	}
	return bindNotJSON, ""
}

// pairs renders routes as [[source, target], ...].
func pairs(routes []route.Route) [][]string {
	out := make([][]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, []string{r.Source, r.Target})
	}
	return out
}

func grouped(routes []route.Route) map[string][]string {
	out := make(map[string][]string)
	for _, r := range routes {
		out[r.Source] = append(out[r.Source], r.Target)
	}
	return out
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

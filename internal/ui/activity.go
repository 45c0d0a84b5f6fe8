package ui

import (
	"time"

	"github.com/gin-gonic/gin"
)

type activityRow struct {
	At    time.Time
	Type  string
	Route string
	Note  string
}

func (h *Handler) activity(c *gin.Context) {
	ev := h.Activity.List()
	rows := make([]activityRow, 0, len(ev))
	for _, e := range ev {
		rows = append(rows, activityRow{
			At:    e.At,
			Type:  string(e.Type),
			Route: e.Route,
			Note:  e.Note,
		})
	}

	vm := h.newViewModel("Activity")
	vm.Data = rows
	h.render(c, "activity.html", vm)
}

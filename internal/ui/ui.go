// Package ui serves the browser chat client and two read-only status pages.
package ui

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mcules/opus-mt-server/internal/activity"
	"github.com/mcules/opus-mt-server/internal/metrics"
	"github.com/mcules/opus-mt-server/internal/route"
	"github.com/mcules/opus-mt-server/internal/state"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Models is the part of the translator the pages read.
type Models interface {
	DiscoverRoutes() ([]route.Route, error)
	Residency() []state.Residency
	Loading() []string
	ModelsDir() string
}

type Handler struct {
	Models        Models
	Activity      *activity.Log
	Latency       *metrics.LatencyTracker
	MaxTextLength int

	pages map[string]*template.Template
}

var pageNames = []string{"chat.html", "models.html", "activity.html"}

func NewHandler(models Models) (*Handler, error) {
	funcs := template.FuncMap{
		"since": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return time.Since(t).Round(time.Second).String()
		},
		"ms": func(v float64) string {
			if v == 0 {
				return "-"
			}
			return fmt.Sprintf("%.1f ms", v)
		},
	}

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tpl, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, err
		}
		pages[name] = tpl
	}

	return &Handler{Models: models, MaxTextLength: 5000, pages: pages}, nil
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/chat", h.chat)
	r.GET("/ui/models", h.models)
	r.GET("/ui/activity", h.activity)

	static, _ := fs.Sub(staticFS, "static")
	r.StaticFS("/static", http.FS(static))
}

type viewModel struct {
	Title string
	Now   time.Time
	Data  any
}

func (h *Handler) newViewModel(title string) viewModel {
	return viewModel{Title: title, Now: time.Now()}
}

type chatData struct {
	Grouped       map[string][]string
	Sources       []string
	MaxTextLength int
}

func (h *Handler) chat(c *gin.Context) {
	routes, err := h.Models.DiscoverRoutes()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	d := chatData{Grouped: map[string][]string{}, MaxTextLength: h.MaxTextLength}
	for _, r := range routes {
		if _, ok := d.Grouped[r.Source]; !ok {
			d.Sources = append(d.Sources, r.Source)
		}
		d.Grouped[r.Source] = append(d.Grouped[r.Source], r.Target)
	}
	sort.Strings(d.Sources)

	vm := h.newViewModel("Chat")
	vm.Data = d
	h.render(c, "chat.html", vm)
}

type modelRow struct {
	Route       string
	State       string
	LoadedSince time.Time
	LastUsed    time.Time
	Generation  uint64
	Latency     metrics.RouteLatency
}

type modelsData struct {
	Dir     string
	Rows    []modelRow
	Loading []string
}

func (h *Handler) models(c *gin.Context) {
	routes, err := h.Models.DiscoverRoutes()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	resident := make(map[string]state.Residency)
	for _, r := range h.Models.Residency() {
		resident[r.Route] = r
	}

	rows := make([]modelRow, 0, len(routes))
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		key := r.String()
		seen[key] = true
		row := modelRow{Route: key, State: string(state.ModelAvailable)}
		if res, ok := resident[key]; ok {
			row.State = string(res.State)
			row.LoadedSince = res.LoadedSince
			row.LastUsed = res.LastUsed
			row.Generation = res.Generation
		}
		row.Latency, _ = h.Latency.Get(key)
		rows = append(rows, row)
	}
	// Loaded routes whose directory has since disappeared.
	for key, res := range resident {
		if seen[key] {
			continue
		}
		rows = append(rows, modelRow{
			Route:       key,
			State:       string(res.State) + " (directory missing)",
			LoadedSince: res.LoadedSince,
			LastUsed:    res.LastUsed,
			Generation:  res.Generation,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Route < rows[j].Route })

	vm := h.newViewModel("Models")
	vm.Data = modelsData{Dir: h.Models.ModelsDir(), Rows: rows, Loading: h.Models.Loading()}
	h.render(c, "models.html", vm)
}

func (h *Handler) render(c *gin.Context, name string, vm viewModel) {
	tpl, ok := h.pages[name]
	if !ok {
		c.String(http.StatusInternalServerError, "unknown page "+name)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	_ = tpl.ExecuteTemplate(c.Writer, "layout.html", vm)
}

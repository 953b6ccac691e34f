package core

import (
	"embed"
	"html/template"
	"net/http"
	"sort"

	"github.com/joeydtaylor/steeze-vision/pkg/manager"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"go.uber.org/zap"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type indexData struct {
	Status    *session.Status
	Solutions []string
	Cameras   []manager.Camera
	Running   []deploymentView
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	var data indexData
	if h.server != nil {
		st, err := h.server.Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		data.Status = &st
	}
	if h.mgr != nil {
		for name := range h.mgr.Available() {
			data.Solutions = append(data.Solutions, name)
		}
		sort.Strings(data.Solutions)
		data.Cameras = h.mgr.Cameras()
		for _, d := range h.mgr.Running() {
			data.Running = append(data.Running, viewOf(d))
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, data); err != nil {
		h.log.Error("render index", zap.Error(err))
	}
}

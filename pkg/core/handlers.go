// core/handlers.go
package core

import (
	"fmt"
	"net/http"
	"strings"

	chimd "github.com/go-chi/chi/v5/middleware"
	"github.com/joeydtaylor/steeze-vision/pkg/manager"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	httpx "github.com/joeydtaylor/steeze-vision/pkg/transport/httpx"
	"go.uber.org/zap"
)

type handlers struct {
	server *session.Server
	mgr    *manager.Manager
	log    *zap.Logger
}

// serverFor picks the session server an offer is signaled into.
type serverFor func(r *http.Request) (*session.Server, error)

func (h *handlers) defaultServer(*http.Request) (*session.Server, error) {
	return h.server, nil
}

func (h *handlers) deploymentServer(r *http.Request) (*session.Server, error) {
	id := httpx.URLParam(r, "id")
	d, ok := h.mgr.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", manager.ErrNotRunning, id)
	}
	return d.Server(), nil
}

func (h *handlers) offer(pick serverFor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var o session.Offer
		if err := readJSON(r, &o); err != nil {
			writeError(w, err)
			return
		}
		srv, err := pick(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ans, err := srv.HandleOffer(r.Context(), o)
		if err != nil {
			h.log.Warn("offer rejected",
				zap.String("request_id", chimd.GetReqID(r.Context())),
				zap.String("source", o.Source),
				zap.Error(err),
			)
			writeError(w, err)
			return
		}
		writeJSON(w, ans, http.StatusOK)
	}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.server.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st, http.StatusOK)
}

type deploymentView struct {
	ID       string `json:"id"`
	Solution string `json:"solution"`
	Camera   string `json:"camera"`
	URL      string `json:"url"`
}

func viewOf(d *manager.Deployment) deploymentView {
	return deploymentView{ID: d.ID, Solution: d.Solution, Camera: d.Camera, URL: d.URL}
}

func (h *handlers) listSolutions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.mgr.Available(), http.StatusOK)
}

func (h *handlers) runningSolutions(w http.ResponseWriter, _ *http.Request) {
	running := h.mgr.Running()
	out := make([]deploymentView, 0, len(running))
	for _, d := range running {
		out = append(out, viewOf(d))
	}
	writeJSON(w, out, http.StatusOK)
}

func (h *handlers) startSolution(w http.ResponseWriter, r *http.Request) {
	var req manager.Request
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.mgr.Start(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": d.ID, "url": d.URL}, http.StatusOK)
}

func (h *handlers) stopSolution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.Stop(r.Context(), strings.TrimSpace(req.ID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": req.ID, "status": "stopped"}, http.StatusOK)
}

func (h *handlers) listCameras(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.mgr.Cameras(), http.StatusOK)
}

func (h *handlers) addCamera(w http.ResponseWriter, r *http.Request) {
	var c manager.Camera
	if err := readJSON(r, &c); err != nil {
		writeError(w, err)
		return
	}
	if err := h.mgr.AddCamera(c.Name, c.Src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h.mgr.Cameras(), http.StatusCreated)
}

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	GraphID string            `json:"graphId" binding:"required"`
	RunID   string            `json:"runId"`
	Mode    string            `json:"mode" binding:"omitempty,oneof=full incremental"`
	Vars    map[string]string `json:"vars"`
	Items   []SeedItem        `json:"items" binding:"dive"`
}

// SeedItem is one seed item of a run request.
type SeedItem struct {
	ID       string            `json:"id" binding:"required"`
	SourceID string            `json:"sourceId"`
	Data     map[string]any    `json:"data"`
	Metadata map[string]string `json:"metadata"`
}

// Item converts the seed to a content item.
func (si SeedItem) Item() *item.Item {
	it := item.New(si.ID, si.Data)
	it.ID.SourceID = si.SourceID
	for k, v := range si.Metadata {
		it.Metadata[k] = v
	}
	return it
}

// RunResponse is returned for a single run.
type RunResponse struct {
	Status engine.Status      `json:"status"`
	Report *storage.RunReport `json:"report,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: perrors.Categorize(err)})
}

// statusOf maps manager errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, perrors.ErrRunNotFound), errors.Is(err, perrors.ErrUnknownGraph):
		return http.StatusNotFound
	case errors.Is(err, perrors.ErrDuplicateRun):
		return http.StatusConflict
	case errors.Is(err, engine.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case perrors.IsKind(err, perrors.KindConfig), perrors.IsKind(err, perrors.KindCycleOrDeadlock):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) startRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	mode, err := checkpoint.ParseMode(req.Mode)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	seed := make([]*item.Item, 0, len(req.Items))
	for _, si := range req.Items {
		seed = append(seed, si.Item())
	}

	runID, err := s.manager.Start(c.Request.Context(), engine.Request{
		RunID:   req.RunID,
		GraphID: req.GraphID,
		Seed:    seed,
		Mode:    mode,
		Vars:    req.Vars,
	})
	if err != nil {
		respondError(c, statusOf(err), err)
		return
	}
	c.Header("Location", "/v1/runs/"+runID)
	c.JSON(http.StatusAccepted, gin.H{"runId": runID})
}

func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.manager.List()})
}

func (s *Server) getRun(c *gin.Context) {
	id := c.Param("id")
	st, err := s.manager.Status(id)
	if err != nil {
		respondError(c, statusOf(err), err)
		return
	}
	resp := RunResponse{Status: st}
	if st.State.Terminal() {
		if res, err := s.manager.Result(id); err == nil && res != nil {
			resp.Report = res.Report()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getOutputs(c *gin.Context) {
	id := c.Param("id")
	res, err := s.manager.Result(id)
	if err != nil {
		respondError(c, statusOf(err), err)
		return
	}
	if res == nil {
		c.JSON(http.StatusConflict, errorResponse{Error: "run is still executing", Code: "RUNNING"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    res.State,
		"outputs":  res.Outputs,
		"failures": res.Failures,
	})
}

func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Cancel(id); err != nil {
		respondError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": id})
}

func (s *Server) forgetRun(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.manager.Status(id); err != nil {
		respondError(c, statusOf(err), err)
		return
	}
	if err := s.manager.Forget(id); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// streamEvents replays the run's log as server-sent events and follows it
// until the terminal event or the client disconnects.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	ch, err := s.manager.StreamEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, statusOf(err), err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	sent := 0
	c.Stream(func(w io.Writer) bool {
		e, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(string(e.Type), e)
		sent++
		return true
	})
	s.logger.Debug("event stream closed", zap.String("run_id", id), zap.Int("events", sent))
}

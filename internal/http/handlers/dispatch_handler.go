// README: Dispatch session handlers (open, candidate ranking, stepper actions, confirm).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"scrapdispatch/internal/modules/dispatch"
	"scrapdispatch/internal/types"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type DispatchHandler struct {
	dispatch *dispatch.Service
}

func NewDispatchHandler(svc *dispatch.Service) *DispatchHandler {
	return &DispatchHandler{dispatch: svc}
}

type openSessionReq struct {
	OrderID    string  `json:"order_id" binding:"required"`
	RoleFilter *string `json:"role_filter"`
}

type selectYardReq struct {
	YardID string `json:"yard_id" binding:"required"`
}

type selectCrewReq struct {
	CrewID string `json:"crew_id"`
}

type scheduleReq struct {
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

type notesReq struct {
	Notes string `json:"notes"`
}

type yardOptionResp struct {
	ID         types.ID     `json:"id"`
	Name       string       `json:"name"`
	Address    string       `json:"address"`
	Location   *types.Point `json:"location"`
	DistanceKm *float64     `json:"distance_km"`
}

func (h *DispatchHandler) Open(c *gin.Context) {
	var req openSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: order_id required")
		return
	}
	sess, err := h.dispatch.Open(c.Request.Context(), dispatch.OpenCommand{
		OrderID:    types.ID(req.OrderID),
		RoleFilter: req.RoleFilter,
	})
	if err != nil {
		writeDispatchError(c, nil, err)
		return
	}
	writeJSON(c, http.StatusCreated, sess.View())
}

func (h *DispatchHandler) Get(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, sess.View())
}

func (h *DispatchHandler) Yards(c *gin.Context) {
	options, err := h.dispatch.Yards(c.Param("id"))
	if err != nil {
		writeDispatchError(c, nil, err)
		return
	}
	out := make([]yardOptionResp, 0, len(options))
	for _, o := range options {
		out = append(out, yardOptionResp{
			ID:         o.Yard.ID,
			Name:       o.Yard.Name,
			Address:    o.Yard.Address,
			Location:   o.Yard.Location,
			DistanceKm: o.DistanceKm,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"yards": out})
}

func (h *DispatchHandler) SelectYard(c *gin.Context) {
	var req selectYardReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: yard_id required")
		return
	}
	h.act(c, func(s *dispatch.Session) (dispatch.View, error) {
		return s.SelectYard(types.ID(req.YardID))
	})
}

func (h *DispatchHandler) ToggleCollector(c *gin.Context) {
	id := types.ID(c.Param("collector_id"))
	h.act(c, func(s *dispatch.Session) (dispatch.View, error) {
		return s.ToggleCollector(id)
	})
}

func (h *DispatchHandler) SelectCrew(c *gin.Context) {
	var req selectCrewReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	var crew *types.ID
	if req.CrewID != "" {
		id := types.ID(req.CrewID)
		crew = &id
	}
	h.act(c, func(s *dispatch.Session) (dispatch.View, error) {
		return s.SelectCrew(crew)
	})
}

func (h *DispatchHandler) SetSchedule(c *gin.Context) {
	var req scheduleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: times must be RFC3339")
		return
	}
	h.act(c, func(s *dispatch.Session) (dispatch.View, error) {
		return s.SetSchedule(req.StartTime, req.EndTime)
	})
}

func (h *DispatchHandler) SetNotes(c *gin.Context) {
	var req notesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	h.act(c, func(s *dispatch.Session) (dispatch.View, error) {
		return s.SetNotes(req.Notes)
	})
}

func (h *DispatchHandler) Next(c *gin.Context) {
	h.act(c, (*dispatch.Session).Next)
}

func (h *DispatchHandler) Back(c *gin.Context) {
	h.act(c, (*dispatch.Session).Back)
}

func (h *DispatchHandler) Cancel(c *gin.Context) {
	h.act(c, (*dispatch.Session).Cancel)
}

func (h *DispatchHandler) Confirm(c *gin.Context) {
	v, err := h.dispatch.Confirm(c.Request.Context(), c.Param("id"), c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		writeDispatchError(c, viewOrNil(v), err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (h *DispatchHandler) session(c *gin.Context) (*dispatch.Session, bool) {
	sess, err := h.dispatch.Get(c.Param("id"))
	if err != nil {
		writeDispatchError(c, nil, err)
		return nil, false
	}
	return sess, true
}

func (h *DispatchHandler) act(c *gin.Context, fn func(*dispatch.Session) (dispatch.View, error)) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	v, err := fn(sess)
	if err != nil {
		writeDispatchError(c, &v, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func viewOrNil(v dispatch.View) *dispatch.View {
	if v.SessionID == "" {
		return nil
	}
	return &v
}

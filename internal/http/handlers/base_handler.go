// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"scrapdispatch/internal/modules/dispatch"
	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/platform/obs"
)

type errorResponse struct {
	Error   string         `json:"error"`
	Session *dispatch.View `json:"session,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDispatchError maps dispatch and order errors to HTTP statuses. view is
// attached when the session is still open so the client can re-render it.
func writeDispatchError(c *gin.Context, view *dispatch.View, err error) {
	var (
		ve *dispatch.ValidationError
		cf *dispatch.CommitFailure
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{Error: ve.Message, Session: view})
	case errors.As(err, &cf):
		writeJSON(c, http.StatusConflict, errorResponse{Error: cf.Message, Session: view})
	case errors.Is(err, dispatch.ErrSessionNotFound), errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrSessionClosed),
		errors.Is(err, dispatch.ErrCommitInProgress),
		errors.Is(err, dispatch.ErrLoading),
		errors.Is(err, dispatch.ErrNotReviewing):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Session: view})
	case errors.Is(err, order.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		log.Printf("req_id=%s path=%s err=%v", obs.RequestID(c.Request.Context()), c.FullPath(), err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/parley/internal/adapters/auth"
	"github.com/dkeye/parley/internal/app/orch"
	"github.com/dkeye/parley/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type roomHandlers struct {
	orch            *orch.Orchestrator
	defaultCapacity int
}

type createRoomRequest struct {
	Title    string `json:"title" binding:"required"`
	Language string `json:"language"`
	Capacity int    `json:"capacity" binding:"gte=0"`
}

func (h roomHandlers) list(c *gin.Context) {
	list, err := h.orch.ListRooms(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": list})
}

func (h roomHandlers) create(c *gin.Context) {
	user, ok := auth.UserFrom(c)
	if !ok {
		writeError(c, domain.ErrUnauthorized)
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.ErrBadRequest.WithMessage(err.Error()))
		return
	}
	if req.Capacity == 0 {
		req.Capacity = h.defaultCapacity
	}
	room, err := h.orch.CreateRoom(c.Request.Context(), user.ID, req.Title, req.Language, req.Capacity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room.Summary(0))
}

func writeError(c *gin.Context, err error) {
	de := domain.AsError(err)
	var own *domain.Error
	if !errors.As(err, &own) {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(statusOf(de.Code), gin.H{"error": de})
}

func statusOf(code domain.Code) int {
	switch code {
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotOwner:
		return http.StatusForbidden
	case domain.CodeRoomNotFound:
		return http.StatusNotFound
	case domain.CodeRoomClosed, domain.CodeRoomFull:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/huangang/reviewpulse/pkg/response"
)

// toAppError maps coordinator errors onto HTTP responses.
func toAppError(err error) *response.AppError {
	var e *services.Error
	if !errors.As(err, &e) {
		return response.NewServerError(err.Error())
	}

	var appErr *response.AppError
	switch e.Kind {
	case services.KindNotFound:
		appErr = response.NewNotFound(e.Error())
	case services.KindInvalidRequest:
		appErr = response.NewBadRequest(e.Error())
	case services.KindInvalidTransition, services.KindConcurrentModification, services.KindTargetBusy, services.KindAlreadyQueued:
		appErr = response.NewConflict(e.Error())
	case services.KindExternalTriggerFailed:
		appErr = response.NewBadGateway(e.Error())
	case services.KindLockUnavailable, services.KindStorageUnavailable:
		appErr = response.NewServiceUnavailable(e.Error())
	default:
		appErr = response.NewServerError(e.Error())
	}
	return appErr.WithKind(string(e.Kind))
}

func respondError(c *gin.Context, err error) {
	response.Error(c, toAppError(err))
}

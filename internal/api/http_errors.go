package api

import (
	"errors"
	"net/http"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

func httpStatusForError(err error) int {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return http.StatusInternalServerError
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatLock:
		return http.StatusConflict
	case core.ErrCatState:
		return http.StatusConflict
	case core.ErrCatCollab:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

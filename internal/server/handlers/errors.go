package handlers

import (
	"errors"
	"net/http"

	apierrors "github.com/maruel/jsonserver/internal/errors"
	"github.com/maruel/jsonserver/internal/storage"
)

// storeError translates a table store error into an API error.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var (
		tnf    *storage.TableNotFoundError
		exists *storage.TableAlreadyExistsError
		rnf    *storage.RowNotFoundError
	)
	switch {
	case errors.As(err, &tnf):
		return apierrors.NewAPIError(http.StatusNotFound, apierrors.ErrTableNotFound, err.Error()).
			WithDetail("table", tnf.Table).Wrap(err)
	case errors.As(err, &rnf):
		return apierrors.NewAPIError(http.StatusNotFound, apierrors.ErrRowNotFound, err.Error()).
			WithDetail("table", rnf.Table).WithDetail("id", rnf.ID).Wrap(err)
	case errors.As(err, &exists):
		return apierrors.NewAPIError(http.StatusConflict, apierrors.ErrTableAlreadyExists, err.Error()).
			WithDetail("table", exists.Table).Wrap(err)
	case errors.Is(err, storage.ErrIDImmutable):
		return apierrors.NewAPIError(http.StatusBadRequest, apierrors.ErrIDImmutable, err.Error()).Wrap(err)
	case errors.Is(err, storage.ErrInvalidArgument):
		return apierrors.NewAPIError(http.StatusBadRequest, apierrors.ErrValidationFailed, err.Error()).Wrap(err)
	case errors.Is(err, storage.ErrStoreClosed):
		return apierrors.NewAPIError(http.StatusServiceUnavailable, apierrors.ErrStoreClosed, "database is not open").Wrap(err)
	case errors.Is(err, storage.ErrMalformedDocument):
		return apierrors.NewAPIError(http.StatusInternalServerError, apierrors.ErrMalformedDocument, "database file is malformed").Wrap(err)
	default:
		return apierrors.InternalWithError("storage failure", err)
	}
}

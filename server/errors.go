package server

import (
	"errors"
	"net/http"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/contract"
	"github.com/filehub/filehub/store"
)

// writeError folds the error taxonomy onto wire codes. Validation and
// not-found surface as-is; contract violations are logged with their
// diagnostic bundle and surfaced opaquely.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := dcontext.GetLogger(r.Context())

	var coded error
	var ec errcode.Error
	var ce *contract.ContractError

	switch {
	case errors.As(err, &ec):
		coded = ec
	case errors.Is(err, store.ErrNotFound), driver.IsNotFound(err):
		coded = errcode.ErrorCodeNotFound.WithMessage(err.Error())
	case errors.Is(err, store.ErrConfigReferenced):
		coded = errcode.ErrorCodeValidation.WithMessage(err.Error())
	case driver.IsAccessDenied(err):
		coded = errcode.ErrorCodeForbidden
	case errors.As(err, &ce):
		logger.WithError(ce).Error("driver contract violation")
		coded = errcode.ErrorCodeDriverContract.WithDetail(ce.Error())
	default:
		var de driver.Error
		if errors.As(err, &de) {
			logger.WithError(de).Error("driver failure")
			coded = errcode.ErrorCodeDriver
			break
		}
		logger.WithError(err).Error("unclassified failure")
		coded = errcode.ErrorCodeUnknown
	}

	if serveErr := errcode.ServeJSON(w, coded); serveErr != nil {
		logger.WithError(serveErr).Error("writing error response")
	}
}

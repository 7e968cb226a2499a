package api

import "github.com/rakunlabs/opennotebook/internal/apperr"

func httpStatus(err error) int {
	return apperr.HTTPStatus(apperr.KindOf(err))
}

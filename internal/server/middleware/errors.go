// Package middleware holds the HTTP middleware chain.
package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/3leaps/pushq/internal/errors"
)

// ErrorResponse is the JSON body of an error.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns handler panics into INTERNAL_ERROR responses.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			apperrors.WriteError(w, r, http.StatusInternalServerError, apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec), nil)
		}()
		next.ServeHTTP(w, r)
	})
}

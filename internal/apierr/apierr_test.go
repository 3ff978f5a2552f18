package apierr_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gated-run/gated/internal/apierr"
)

func TestStatusCodesMatchTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    *apierr.Error
		status int
	}{
		{"Validation", apierr.Validation("bad input"), http.StatusBadRequest},
		{"Unauthenticated", apierr.Unauthenticated("no key"), http.StatusUnauthorized},
		{"Forbidden", apierr.Forbidden("wrong scope"), http.StatusForbidden},
		{"NotFound", apierr.NotFound("missing"), http.StatusNotFound},
		{"MethodNotAllowed", apierr.MethodNotAllowed("nope"), http.StatusMethodNotAllowed},
		{"VersionExists", apierr.VersionExists("dup"), http.StatusConflict},
		{"RateLimited", apierr.RateLimited("slow down"), http.StatusTooManyRequests},
		// CompilationError is a 400, not the 422 an HTTP-semantics reading of
		// "unprocessable entity" might suggest — gated's error taxonomy
		// treats a failed compile as a validation failure of the deploy
		// request, not a separate semantic class.
		{"CompilationError", apierr.CompilationError("syntax error"), http.StatusBadRequest},
		{"NotConfigured", apierr.NotConfigured("unwired"), http.StatusServiceUnavailable},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.status, c.err.Status)
		})
	}
}

func TestInternal_WrapsCauseWithoutExposingIt(t *testing.T) {
	cause := assert.AnError
	err := apierr.Internal(cause)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Equal(t, "internal error", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestAs_ExtractsWrappedError(t *testing.T) {
	err := apierr.NotFound("gone")
	extracted := apierr.As(err)
	assert.Same(t, err, extracted)

	assert.Nil(t, apierr.As(assert.AnError))
}

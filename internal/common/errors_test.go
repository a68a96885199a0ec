package common

import (
	"fmt"
	"net/http"
	"testing"

	"siteops/internal/common/security"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestHTTPStatusFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"wrapped not found", fmt.Errorf("lookup: %w", ErrNotFound), http.StatusNotFound},
		{"validation", fmt.Errorf("job type: %w", ErrValidation), http.StatusBadRequest},
		{"not claimable", ErrJobNotClaimable, http.StatusConflict},
		{"ssrf", &security.SSRFError{URL: "http://127.0.0.1/", Reason: "loopback address"}, http.StatusUnprocessableEntity},
		{"unique violation", &pgconn.PgError{Code: "23505"}, http.StatusConflict},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.want {
				t.Errorf("HTTPStatusFromError() = %d, want %d", got, tt.want)
			}
		})
	}
}

package middleware

import (
	"net/http"
)

// WithIdentityForTest attaches an Identity to the request context for
// testing handlers that call GetIdentity without going through Require.
func WithIdentityForTest(r *http.Request, ident Identity) *http.Request {
	return r.WithContext(WithIdentity(r.Context(), ident))
}

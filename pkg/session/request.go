package session

import (
	"net/http"

	"github.com/clickwork/dbstash/pkg/clientip"
)

// DefaultDeviceCookie is the cookie carrying the client device UUID.
const DefaultDeviceCookie = "device_id"

// HTTPRequest adapts a net/http request to the Request collaborator.
type HTTPRequest struct {
	r *http.Request
}

// NewHTTPRequest wraps an inbound HTTP request.
func NewHTTPRequest(r *http.Request) *HTTPRequest {
	return &HTTPRequest{r: r}
}

// Header returns the named request header.
func (h *HTTPRequest) Header(name string) string {
	return h.r.Header.Get(name)
}

// IP returns the client IP, resolved through proxy headers.
func (h *HTTPRequest) IP() string {
	return clientip.FromRequest(h.r)
}

// Input returns the named form value.
func (h *HTTPRequest) Input(name string) string {
	return h.r.FormValue(name)
}

// DeviceIDFromCookie reads the client device UUID from the named cookie,
// returning "" when the cookie is missing. Pass DefaultDeviceCookie unless
// the deployment uses a custom cookie name.
func DeviceIDFromCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Verify interface compliance.
var _ Request = (*HTTPRequest)(nil)

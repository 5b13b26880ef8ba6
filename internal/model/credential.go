package model

// Credential is the bearer token of the enclosing authentication scope. It
// is threaded explicitly into every outbound request.
type Credential string

// Header returns the Authorization header value, or "" when empty.
func (c Credential) Header() string {
	if c == "" {
		return ""
	}
	return "Bearer " + string(c)
}

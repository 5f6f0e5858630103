package http

// HTTPAdapter abstracts the incoming request so the middleware engine stays
// framework-neutral. The gin and chi subpackages provide implementations.
type HTTPAdapter interface {
	// GetMethod returns the HTTP method.
	GetMethod() string

	// GetPath returns the request path.
	GetPath() string

	// GetURL returns the full request URL, used as the default resource
	// identifier in payment requirements.
	GetURL() string

	// GetHeader returns the named request header, or "" if absent.
	GetHeader(name string) string
}

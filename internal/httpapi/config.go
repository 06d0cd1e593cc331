package httpapi

import "github.com/rs/zerolog"

// Options configure the status surface. The zero value serves without CORS
// and without request logging.
type Options struct {
	Log zerolog.Logger
	// RequestLog is the default per-request log level: off, error, info or
	// debug. A request may override it with ?log= or X-Log-Level.
	RequestLog string

	// CORS is opt-in. No middleware is installed when CORSOrigins is empty.
	CORSOrigins []string
	CORSMethods []string
	CORSHeaders []string
}

func (o Options) corsMethods() []string {
	if len(o.CORSMethods) > 0 {
		return o.CORSMethods
	}
	return []string{"GET", "POST", "OPTIONS"}
}

func (o Options) corsHeaders() []string {
	if len(o.CORSHeaders) > 0 {
		return o.CORSHeaders
	}
	return []string{"Accept", "Content-Type", "X-Request-ID", "X-Log-Level"}
}

// Package chi binds the payment middleware engine to chi (or any net/http
// mux).
package chi

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"

	x402http "github.com/x402-foundation/x402-facilitator/http"
)

// adapter exposes a net/http request through the framework-neutral interface.
type adapter struct {
	r *http.Request
}

func (a *adapter) GetMethod() string { return a.r.Method }

func (a *adapter) GetPath() string { return a.r.URL.Path }

func (a *adapter) GetURL() string {
	scheme := "http"
	if a.r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + a.r.Host + a.r.URL.Path
}

func (a *adapter) GetHeader(name string) string { return a.r.Header.Get(name) }

// PaymentMiddleware gates handlers behind payment. Settlement runs at the
// moment the handler commits a success status, before any body bytes are
// flushed, so the PAYMENT-RESPONSE header can still be attached.
func PaymentMiddleware(m *x402http.Middleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := m.HandleRequest(r.Context(), &adapter{r: r})

			for name, value := range outcome.Headers {
				w.Header().Set(name, value)
			}

			if !outcome.Continue {
				if outcome.ContentType != "" {
					w.Header().Set("Content-Type", outcome.ContentType)
				}
				w.WriteHeader(outcome.StatusCode)
				w.Write(outcome.Body)
				return
			}
			if outcome.State == nil {
				next.ServeHTTP(w, r)
				return
			}

			interceptor := &settlementInterceptor{
				w: w,
				settle: func() bool {
					headers, err := m.Finalize(r.Context(), outcome.State)
					if err != nil {
						slog.Default().Error("settlement errored", "error", err)
						http.Error(w, "payment settlement failed", http.StatusServiceUnavailable)
						return false
					}
					for name, value := range headers {
						w.Header().Set(name, value)
					}
					return true
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment: settlement runs when the handler writes a success status, and
// error statuses pass through unsettled.
type settlementInterceptor struct {
	w         http.ResponseWriter
	settle    func() bool
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	// When settlement failed the error response was already written; discard
	// the handler's payload to avoid a mixed body.
	if i.hijacked {
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through without settling.
	if statusCode >= 400 {
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settle() {
		i.hijacked = true
		return
	}
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher for streaming handlers.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Package gin binds the payment middleware engine to gin.
package gin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402http "github.com/x402-foundation/x402-facilitator/http"
)

// adapter exposes a gin request through the framework-neutral interface.
type adapter struct {
	c *gin.Context
}

func (a *adapter) GetMethod() string { return a.c.Request.Method }

func (a *adapter) GetPath() string { return a.c.Request.URL.Path }

func (a *adapter) GetURL() string {
	scheme := "http"
	if a.c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + a.c.Request.Host + a.c.Request.URL.Path
}

func (a *adapter) GetHeader(name string) string { return a.c.GetHeader(name) }

// PaymentMiddleware gates routes behind payment. Exact-scheme responses are
// buffered so settlement can run before the body reaches the client and the
// PAYMENT-RESPONSE header can still be set.
func PaymentMiddleware(m *x402http.Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome := m.HandleRequest(c.Request.Context(), &adapter{c: c})

		for name, value := range outcome.Headers {
			c.Header(name, value)
		}

		if !outcome.Continue {
			c.Abort()
			c.Data(outcome.StatusCode, outcome.ContentType, outcome.Body)
			return
		}
		if outcome.State == nil {
			c.Next()
			return
		}

		// Buffer the handler's response so settlement headers can be added
		// after it runs.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		c.Writer = writer.ResponseWriter
		if c.IsAborted() {
			c.Writer.WriteHeader(writer.statusCode)
			c.Writer.Write([]byte(writer.body.String()))
			return
		}

		headers, err := m.Finalize(c.Request.Context(), outcome.State)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "settlement failed",
			})
			return
		}
		for name, value := range headers {
			c.Header(name, value)
		}

		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(writer.body.String()))
	}
}

// responseWriter captures the handler's response instead of streaming it.
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

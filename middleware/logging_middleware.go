package middleware

import (
	"context"
	"time"

	"github.com/mochi-hpc/thallium-go/logging"
)

// LoggingMiddleware records the procedure name, provider id, and
// duration of each inbound call, and any error the handler chain
// surfaces.
//
// Example output:
//
//	procedure: sum, provider: 0, duration: 42µs
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) error {
			start := time.Now()
			err := next(ctx, inv)
			duration := time.Since(start)
			logging.Logger.Printf("procedure: %s, provider: %d, duration: %s", inv.Name, inv.ProviderID, duration)
			if err != nil {
				logging.Logger.Printf("procedure: %s, error: %v", inv.Name, err)
			}
			return err
		}
	}
}

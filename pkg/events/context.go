package events

import "context"

type clientKey struct{}

// WithClient tags ctx with the originating client id. NodeService stamps
// emitted events with it so the bus can filter self-echo.
func WithClient(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientID)
}

// ClientFromContext returns the client id set by WithClient, or "".
func ClientFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientKey{}).(string); ok {
		return v
	}
	return ""
}

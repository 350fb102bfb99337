package target

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/3leaps/docflow/pkg/provider"
)

// Limited wraps a provider so writes respect a per-target request rate.
type Limited struct {
	provider.Provider
	limiter *rate.Limiter
}

// NewLimited returns p limited to perSecond writes. A non-positive rate
// returns p unchanged.
func NewLimited(p provider.Provider, perSecond float64) provider.Provider {
	if perSecond <= 0 {
		return p
	}
	return &Limited{Provider: p, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// PutObject waits for a token, then delegates.
func (l *Limited) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts provider.PutOptions) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.Provider.PutObject(ctx, key, body, contentLength, opts)
}

package rules

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gzhole/counteragent/internal/proxy"
)

// Interceptor applies a RuleSet to held messages. Messages whose action is
// hold go to the fallback, usually the operator prompt; without a fallback
// they are forwarded.
type Interceptor struct {
	rules    *RuleSet
	fallback proxy.Interceptor
	logger   *slog.Logger
}

func NewInterceptor(rs *RuleSet, fallback proxy.Interceptor, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{rules: rs, fallback: fallback, logger: logger}
}

func (i *Interceptor) Decide(ctx context.Context, held proxy.Pending) (proxy.Decision, error) {
	res := i.rules.Evaluate(held.ProxyMessage)
	attrs := []any{"seq", held.Sequence, "method", held.DisplayMethod(), "rules", strings.Join(res.RuleIDs, ",")}

	switch res.Action {
	case Drop:
		i.logger.Warn("message dropped by rule", append(attrs, "reason", strings.Join(res.Reasons, "; "))...)
		return proxy.Decision{Action: proxy.Drop}, nil
	case Hold:
		if i.fallback != nil {
			return i.fallback.Decide(ctx, held)
		}
		i.logger.Debug("hold rule without operator, forwarding", attrs...)
	}
	return proxy.Decision{Action: proxy.Forward}, nil
}

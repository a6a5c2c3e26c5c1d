package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// ErrNoIdentifier is returned by an IdentifierFunc that found nothing to
// throttle on. Guard lets such requests through.
var ErrNoIdentifier = errors.New("api: request carries no identifier")

// IdentifierFunc derives the throttled identifier from a request.
type IdentifierFunc func(r *http.Request) (limiter.Identifier, error)

// ClientIP identifies requests by the remote address. Put a trusted
// proxy-header middleware in front of Guard when running behind a proxy.
func ClientIP(r *http.Request) (limiter.Identifier, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return limiter.Identifier{}, ErrNoIdentifier
	}
	return limiter.IP(host), nil
}

// HeaderIdentifier identifies requests by a header, e.g. X-User-ID.
func HeaderIdentifier(header string, kind limiter.Kind) IdentifierFunc {
	return func(r *http.Request) (limiter.Identifier, error) {
		v := strings.TrimSpace(r.Header.Get(header))
		if v == "" {
			return limiter.Identifier{}, ErrNoIdentifier
		}
		return limiter.Identifier{Kind: kind, Value: v}, nil
	}
}

// FirstOf tries each IdentifierFunc in turn and uses the first identifier
// found.
func FirstOf(fns ...IdentifierFunc) IdentifierFunc {
	return func(r *http.Request) (limiter.Identifier, error) {
		for _, fn := range fns {
			id, err := fn(r)
			if errors.Is(err, ErrNoIdentifier) {
				continue
			}
			return id, err
		}
		return limiter.Identifier{}, ErrNoIdentifier
	}
}

// Checker is the part of the engine Guard needs.
type Checker interface {
	Check(ctx context.Context, id limiter.Identifier, typ limiter.OperationType) (limiter.Decision, error)
	Table() map[limiter.OperationType]limiter.TypeConfig
}

// Guard throttles the wrapped handler as operation type typ. Denied
// requests get 429 with Retry-After; every checked request gets the
// X-RateLimit-* headers and the decision in its request metadata.
func Guard(engine Checker, typ limiter.OperationType, identify IdentifierFunc) (func(http.Handler) http.Handler, error) {
	tc, ok := engine.Table()[typ]
	if !ok {
		return nil, &limiter.ConfigurationError{Type: typ, Message: "Unknown rate limit type"}
	}
	if identify == nil {
		identify = ClientIP
	}
	limit := strconv.Itoa(tc.MaxAttempts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := identify(r)
			if errors.Is(err, ErrNoIdentifier) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_identifier", err.Error())
				return
			}

			d, err := engine.Check(r.Context(), id, typ)
			if err != nil {
				if errors.Is(err, limiter.ErrInvalidIdentifier) {
					writeError(w, http.StatusBadRequest, "invalid_identifier", err.Error())
					return
				}
				log.Error().Err(err).Str("type", string(typ)).Msg("rate limit check failed")
				writeError(w, http.StatusInternalServerError, "rate_limit_error", "rate limit check failed")
				return
			}

			ctx, md := meta.Ensure(r.Context())
			md.Set(MetaIdentifier, id)
			md.Set(MetaDecision, d)
			r = r.WithContext(ctx)

			setRateLimitHeaders(w, limit, d)
			if !d.Allowed {
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(d.ResetAt, time.Now())))
				msg := fmt.Sprintf("too many %s requests", typ)
				code := "rate_limit_exceeded"
				if d.Locked {
					msg = fmt.Sprintf("%s temporarily locked after repeated attempts", typ)
					code = "locked_out"
				}
				writeError(w, http.StatusTooManyRequests, code, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// DecisionFromContext returns the decision Guard stored for this request.
func DecisionFromContext(ctx context.Context) (limiter.Decision, bool) {
	d, err := meta.Get[limiter.Decision](ctx, MetaDecision)
	return d, err == nil
}

func setRateLimitHeaders(w http.ResponseWriter, limit string, d limiter.Decision) {
	h := w.Header()
	h.Set(HeaderLimit, limit)
	h.Set(HeaderRemaining, strconv.Itoa(max(d.Remaining, 0)))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}

// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package middleware provides gin middleware for the model gateway.

ratelimit.go throttles the mutating model routes (pull, delete,
activate) per client IP with a token bucket. Model pulls are expensive
to start and impossible to dedupe once racing, so the gateway slows a
misbehaving client down at the door instead of letting it queue work.

Read-only routes are never limited; a dashboard polling transfer state
stays responsive while a script hammering pull gets 429s.
*/
package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/observability"
)

// clientIdleEvict drops a client's bucket after this much inactivity,
// bounding memory on long-running gateways.
const clientIdleEvict = 10 * time.Minute

// pruneInterval is how often idle buckets are swept. The sweep runs
// inline on request handling, so there is no background goroutine to
// manage.
const pruneInterval = time.Minute

// clientBucket pairs a client's limiter with its last activity.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a per-client-IP token bucket.
//
// # Thread Safety
//
// Safe for concurrent use. Retune may be called at any time; existing
// clients are re-tuned in place so a config reload takes effect
// immediately, not after eviction.
type Limiter struct {
	logger  *slog.Logger
	metrics *observability.ModelMetrics

	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientBucket
	lastPrune time.Time
}

// NewLimiter creates a limiter allowing requestsPerMinute sustained
// with the given burst. requestsPerMinute <= 0 disables limiting.
// metrics may be nil.
func NewLimiter(requestsPerMinute, burst int, metrics *observability.ModelMetrics, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		logger:    logger,
		metrics:   metrics,
		limit:     limitFor(requestsPerMinute),
		burst:     burst,
		clients:   make(map[string]*clientBucket),
		lastPrune: time.Now(),
	}
}

// limitFor converts a per-minute request count into a token rate.
func limitFor(requestsPerMinute int) rate.Limit {
	if requestsPerMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(requestsPerMinute) / 60.0)
}

// Retune replaces the rate and burst. Existing client buckets are
// adjusted in place.
func (l *Limiter) Retune(requestsPerMinute, burst int) {
	if burst < 1 {
		burst = 1
	}
	limit := limitFor(requestsPerMinute)

	l.mu.Lock()
	changed := limit != l.limit || burst != l.burst
	l.limit = limit
	l.burst = burst
	for _, cb := range l.clients {
		cb.limiter.SetLimit(limit)
		cb.limiter.SetBurst(burst)
	}
	l.mu.Unlock()

	if changed {
		l.logger.Info("rate limiter retuned",
			"requests_per_minute", requestsPerMinute,
			"burst", burst,
		)
	}
}

// Middleware returns the gin handler enforcing the limit.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		delay, ok := l.reserve(c.ClientIP())
		if ok {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if l.metrics != nil {
			l.metrics.RecordRateLimited(route)
		}
		l.logger.Warn("request rate limited",
			"client", c.ClientIP(),
			"route", route,
		)

		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
			Error:       "rate limit exceeded",
			Code:        "RATE_LIMITED",
			Remediation: "Slow down; retry after the Retry-After interval.",
		})
	}
}

// reserve takes one token for the client, reporting success or the
// wait a token would have needed.
func (l *Limiter) reserve(clientIP string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > pruneInterval {
		l.prune(now)
	}

	cb, ok := l.clients[clientIP]
	if !ok {
		cb = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientIP] = cb
	}
	cb.lastSeen = now

	res := cb.limiter.Reserve()
	if d := res.Delay(); d > 0 {
		// Not allowed now; hand the token back rather than burn it on
		// a request we are rejecting.
		res.Cancel()
		return d, false
	}
	return 0, true
}

// prune drops buckets idle past the eviction window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	l.lastPrune = now
	for ip, cb := range l.clients {
		if now.Sub(cb.lastSeen) > clientIdleEvict {
			delete(l.clients, ip)
		}
	}
}

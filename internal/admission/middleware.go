package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nexuslabs/console/internal/monitoring"
)

// Middleware wraps a handler with the admission pipeline for one tier.
// Soft delays sleep in the request goroutine before the handler runs; hard
// rejections answer 429 with a structured body and Retry-After.
func (g *Guard) Middleware(tier Tier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := ClientIP(r)
		decision := g.Classify(addr, tier)

		switch decision.Verdict {
		case HardReject:
			monitoring.RequestsRejected.WithLabelValues(string(decision.Tier), decision.Reason).Inc()
			writeRejection(w, decision)
			return
		case SoftDelay:
			monitoring.RequestsDelayed.Inc()
			g.logger.Debug().
				Str("addr", addr).
				Dur("delay", decision.Delay).
				Msg("Request slowed down")
			time.Sleep(decision.Delay)
		}

		next.ServeHTTP(w, r)
	})
}

func writeRejection(w http.ResponseWriter, d Decision) {
	retryAfter := int(d.RetryAfter.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	body := map[string]any{
		"error":      "rate limited",
		"reason":     d.Reason,
		"tier":       string(d.Tier),
		"retryAfter": retryAfter,
	}
	_ = json.NewEncoder(w).Encode(body)
}

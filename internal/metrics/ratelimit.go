package metrics

import (
	"strings"

	"marketstream/logger"
)

func limitFields(exchange, symbol, source string) logger.Fields {
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"source":   source,
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	return fields
}

// ReportRateLimitExceeded counts a rate limit rejection from exchange. source
// names the caller, e.g. "snapshot" or "stream".
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, source string) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := limitFields(exchange, symbol, source)
	EmitMetric(log, "rate_limit", "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent("rate_limit").WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts an IP ban from exchange.
func ReportIPBan(log *logger.Log, exchange, symbol, source string) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := limitFields(exchange, symbol, source)
	EmitMetric(log, "rate_limit", "ip_ban", int64(1), "counter", fields)
	log.WithComponent("rate_limit").WithFields(fields).Error("ip banned")
}

// detectLimit inspects an exchange message for a rate limit or an IP ban. Each
// exchange words these differently.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "-1003") || strings.Contains(lowerMsg, "too many messages")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records a rate limit or IP ban when msg matches the
// exchange's wording and reports which one it found.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, source, msg string) (rateLimit bool, ipBan bool) {
	rateLimit, ipBan = detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, source)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, source)
	}
	return rateLimit, ipBan
}

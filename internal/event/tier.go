package event

import (
	"log/slog"
	"strconv"
	"strings"
)

// Alert tiers. 1 is most urgent, 3 is informational.
const (
	TierUrgent    = 1
	TierImportant = 2
	TierInfo      = 3
)

// tierNames maps string tier labels the model is known to emit instead of
// integers. Matching is case-insensitive.
var tierNames = map[string]int{
	"urgent":    TierUrgent,
	"important": TierImportant,
	"info":      TierInfo,
}

// NormalizeTier coerces a model-emitted tier value to a valid integer tier.
// This is the single shared normalization point for every call site; alert
// tiers must never be normalized anywhere else.
//
// Accepted: int/float 1, 2, 3 as-is; numeric strings "1".."3"; the labels
// "urgent"/"important"/"info" (any case) with a warning. Everything else
// defaults to tier 3 with a warning.
func NormalizeTier(v any, logger *slog.Logger) int {
	switch t := v.(type) {
	case int:
		if t >= TierUrgent && t <= TierInfo {
			return t
		}
	case int64:
		if t >= TierUrgent && t <= TierInfo {
			return int(t)
		}
	case float64:
		// JSON numbers decode as float64.
		n := int(t)
		if float64(n) == t && n >= TierUrgent && n <= TierInfo {
			return n
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if tier, ok := tierNames[s]; ok {
			logger.Warn("alert tier given as label, mapping to integer",
				"label", t, "tier", tier)
			return tier
		}
		if n, err := strconv.Atoi(s); err == nil && n >= TierUrgent && n <= TierInfo {
			return n
		}
	}

	logger.Warn("unrecognized alert tier, defaulting to informational",
		"value", v, "tier", TierInfo)
	return TierInfo
}

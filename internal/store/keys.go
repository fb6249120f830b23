package store

import (
	"fmt"
	"time"

	"github.com/uhdlab/embygate/pkg/types"
)

// TTLs for the store key families.
const (
	TokenMappingTTL  = 7 * 24 * time.Hour
	DeviceUserTTL    = 7 * 24 * time.Hour
	ActiveSessionTTL = 90 * time.Second
	RemainingTTL     = 600 * time.Second
	TokenReportTTL   = 10 * time.Minute

	DailyQuotaTTL   = 86400 * time.Second
	MonthlyQuotaTTL = 2678400 * time.Second

	// DefaultEnforcementTTL applies when effective_until is absent or
	// unparseable.
	DefaultEnforcementTTL = 600 * time.Second
)

const (
	dailyKeyLayout   = "2006-01-02"
	monthlyKeyLayout = "2006-01"
)

func tokenMappingKey(token string) string {
	return "token_map:" + token
}

func deviceUserKey(deviceID string) string {
	return "device_user:" + deviceID
}

func activeSessionKey(userID, playSessionID string) string {
	return fmt.Sprintf("active_session:%s:%s", userID, playSessionID)
}

func activeSessionPattern(userID string) string {
	return fmt.Sprintf("active_session:%s:*", userID)
}

func enforcementKey(dim types.Dimension, value string) string {
	return fmt.Sprintf("enforce:%s:%s", dim, value)
}

func quotaKey(kind string, dim types.Dimension, value string, period types.Period, periodKey string) string {
	return fmt.Sprintf("quota:%s:%s:%s:%s:%s", kind, dim, value, period, periodKey)
}

func remainingKey(kind string, dim types.Dimension, value string, period types.Period) string {
	return fmt.Sprintf("remain:%s:%s:%s:%s", kind, dim, value, period)
}

func tokenReportKey(ts int64, id string) string {
	return fmt.Sprintf("token_report:%d:%s", ts, id)
}

// PeriodKey returns the UTC bucket key for a period.
func PeriodKey(period types.Period, now time.Time) string {
	switch period {
	case types.PeriodMonthly:
		return now.UTC().Format(monthlyKeyLayout)
	default:
		return now.UTC().Format(dailyKeyLayout)
	}
}

// quotaTTL returns the expiry for a quota counter period.
func quotaTTL(period types.Period) time.Duration {
	if period == types.PeriodMonthly {
		return MonthlyQuotaTTL
	}
	return DailyQuotaTTL
}

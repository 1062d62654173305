package enums

import "strings"

// BillingInterval defines the recurring cadence of a plan.
type BillingInterval string

const (
	BillingIntervalMonth BillingInterval = "month"
	BillingIntervalYear  BillingInterval = "year"
)

var billingIntervals = set[BillingInterval]{BillingIntervalMonth, BillingIntervalYear}

// intervalAliases are spellings accepted from clients and dashboards.
var intervalAliases = map[string]BillingInterval{
	"monthly": BillingIntervalMonth,
	"yearly":  BillingIntervalYear,
	"annual":  BillingIntervalYear,
}

func (b BillingInterval) String() string { return string(b) }

func (b BillingInterval) IsValid() bool { return billingIntervals.has(b) }

// ParseBillingInterval accepts the canonical values and their aliases in
// any case.
func ParseBillingInterval(value string) (BillingInterval, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if alias, ok := intervalAliases[normalized]; ok {
		return alias, nil
	}
	return billingIntervals.parse("billing interval", normalized)
}

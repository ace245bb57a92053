package alerts

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// compose builds the operator-facing title and description of an alert.
func compose(c *domain.AlertCandidate) (title, description string) {
	ev := c.Evidence
	wallet := shortWallet(c.Wallet)

	switch c.Type {
	case domain.AlertFreshWallet:
		value := usd(number(ev, "trade_value_usd"))
		age := number(ev, "wallet_age_hours")
		if first, _ := ev["first_trade"].(bool); first && age < 1 {
			title = fmt.Sprintf("Burner wallet: %s from brand new wallet", value)
			description = fmt.Sprintf("Wallet %s was just created and immediately placed a %s bet on %s.",
				wallet, value, c.Market)
			return
		}
		title = fmt.Sprintf("Fresh wallet: %s from %.1fh old wallet", value, age)
		description = fmt.Sprintf("Wallet %s is only %.1fh old with %d trades. New %s bet detected on %s.",
			wallet, age, int64(number(ev, "wallet_total_trades")), value, c.Market)

	case domain.AlertStructuring:
		count := int64(number(ev, "trade_count"))
		total := usd(number(ev, "total_volume_usd"))
		span := number(ev, "time_span_minutes")
		title = fmt.Sprintf("Structuring: %d trades totaling %s in %.0fmin", count, total, span)
		description = fmt.Sprintf("Wallet %s executed %d trades on %s in %.0f minutes, totaling %s. Possible order structuring to hide a large position.",
			wallet, count, c.Market, span, total)

	case domain.AlertUnusualSizing:
		value := usd(number(ev, "trade_value_usd"))
		mult := number(ev, "multiplier")
		title = fmt.Sprintf("Unusual size: %s (%.1fx market avg)", value, mult)
		description = fmt.Sprintf("Trade of %s by %s is %.1fx the average trade size (%s) for %s.",
			value, wallet, mult, usd(number(ev, "market_avg_trade_size")), c.Market)

	default:
		name, _ := ev["rule_name"].(string)
		if name == "" {
			name = strings.TrimPrefix(string(c.Type), domain.ExpressionAlertPrefix)
		}
		title = fmt.Sprintf("Rule %s: %s trade", name, usd(number(ev, "trade_value_usd")))
		description = fmt.Sprintf("Wallet %s matched rule %s on %s with confidence %.2f.",
			wallet, name, c.Market, c.Confidence)
	}
	return
}

// number reads a numeric evidence value regardless of its concrete type.
func number(ev domain.Evidence, key string) float64 {
	switch v := ev[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func shortWallet(w string) string {
	if len(w) <= 10 {
		return w
	}
	return w[:10] + "..."
}

// usd formats a dollar amount with thousands separators, rounded to the dollar.
func usd(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "$?"
	}
	n := int64(math.Round(v))
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}

	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return sign + "$" + b.String()
}

// internal/checkout/format.go
package checkout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders the integer part of a notional amount with thousands
// separators: "1234567.89" becomes "1,234,567".
func FormatAmount(amount string) (string, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(amount, ",", ""))
	integer, _, _ := strings.Cut(cleaned, ".")
	n, err := strconv.ParseInt(integer, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid notional amount %q: %w", amount, err)
	}
	return amountPrinter.Sprintf("%d", n), nil
}

// Filename names the downloaded document after the plan and the local time.
func Filename(basicPlan string, at time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s_%s.pdf", basicPlan, at.In(loc).Format("200601021504"))
}

// Elapsed renders a duration as mm:ss.
func Elapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

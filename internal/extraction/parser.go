// internal/extraction/parser.go
package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

// amountPattern matches local-currency amounts in the interpreter reply. The
// reply is free text, so the prefix is matched loosely: "H" with optional "K"
// and "D" ("H", "HK", "HD", "HKD"), or a bare "K".
var amountPattern = regexp.MustCompile(`(?:HK?D?|K)\s*(\d[\d,]*)`)

// PartialFacts is what one interpretation produced.
type PartialFacts struct {
	AnnualPremium int
	Age1CashValue int
	Age2CashValue int
	// Complete is false when the reply did not carry three amounts.
	Complete bool
	Reply    string
}

// ParseReply reads annual premium, first and second surrender value, in that
// order, from the first three amounts in reply. Fewer than three usable
// amounts yield zeros.
func ParseReply(reply string) PartialFacts {
	facts := PartialFacts{Reply: reply}
	matches := amountPattern.FindAllStringSubmatch(reply, 3)
	if len(matches) < 3 {
		return facts
	}
	values := make([]int, 0, 3)
	for _, m := range matches {
		n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			return facts
		}
		values = append(values, n)
	}
	facts.AnnualPremium = values[0]
	facts.Age1CashValue = values[1]
	facts.Age2CashValue = values[2]
	facts.Complete = true
	return facts
}

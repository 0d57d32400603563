package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"settlement-core/internal/order"
	"settlement-core/internal/rules"
)

const (
	fallbackPrompt = "Do you want to execute this command?"
	helpMessage    = "I'm not sure what you want me to do. Could you please rephrase your request? " +
		"I can help you buy, sell, convert crypto, or create automated trading rules."
)

// confirmationPrompt renders the question shown before a command runs. Arguments that do
// not decode fall back to a generic prompt; Confirm reports the real problem.
func confirmationPrompt(intent Intent) string {
	switch intent.Function {
	case FuncExecuteTrade:
		var a tradeArgs
		if json.Unmarshal(intent.Args, &a) != nil {
			return fallbackPrompt
		}
		a.normalize()
		action, asset := strings.ToLower(a.Action), order.BaseAsset(a.Symbol)
		switch order.AmountType(a.AmountType) {
		case order.AmountAll:
			return fmt.Sprintf("Do you want to %s all your %s?", action, asset)
		case order.AmountUSD:
			return fmt.Sprintf("Do you want to %s $%s of %s?", action, a.Amount, asset)
		}
		return fmt.Sprintf("Do you want to %s %s %s?", action, a.Amount, asset)

	case FuncConvertCrypto:
		var a convertArgs
		if json.Unmarshal(intent.Args, &a) != nil {
			return fallbackPrompt
		}
		a.normalize()
		from, to := order.BaseAsset(a.FromSymbol), order.BaseAsset(a.ToSymbol)
		if order.AmountType(a.AmountType) == order.AmountAll {
			return fmt.Sprintf("Do you want to convert all your %s to %s?", from, to)
		}
		return fmt.Sprintf("Do you want to convert %s %s to %s?", a.Amount, from, to)

	case FuncDiversifyPortfolio:
		var a diversifyArgs
		if json.Unmarshal(intent.Args, &a) != nil || len(a.Allocations) == 0 {
			return fallbackPrompt
		}
		a.normalize()
		parts := make([]string, 0, len(a.Allocations))
		for _, al := range a.Allocations {
			parts = append(parts, fmt.Sprintf("%s%% %s", al.Percentage, order.BaseAsset(al.Symbol)))
		}
		return fmt.Sprintf("Do you want to diversify $%s across: %s?", a.TotalAmount, strings.Join(parts, ", "))

	case FuncCreateRule:
		var a ruleArgs
		if json.Unmarshal(intent.Args, &a) != nil {
			return fallbackPrompt
		}
		a.normalize()
		return fmt.Sprintf("Do you want to create a rule to %s %s when price %s $%s?",
			strings.ToLower(a.Action), order.BaseAsset(a.Symbol), rules.Condition(a.Condition).Phrase(), a.TargetPrice)
	}
	return fallbackPrompt
}

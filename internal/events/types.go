package events

// Event enumerates the topics published inside the settlement core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderPlaced    Event = "order.placed"
	EventOrderFilled    Event = "order.filled"
	EventOrderCancelled Event = "order.cancelled"
	EventRuleExecuted   Event = "rule.executed"
)

// OrderEvent is the payload of the order.* topics.
type OrderEvent struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Type    string `json:"type"`
	Qty     string `json:"quantity"`
	Price   string `json:"price,omitempty"`
	Fee     string `json:"fee,omitempty"`
	Mode    string `json:"mode"`
	RuleID  string `json:"ruleId,omitempty"`
}

// RuleEvent is published when a standing rule fires.
type RuleEvent struct {
	RuleID  string `json:"ruleId"`
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
	Symbol  string `json:"symbol"`
}

package api

// SubmitOrderRequest is the signed-order intake body. Numeric fields
// are integer ticks/lots; price 0 with orderType "market" is a market
// order.
type SubmitOrderRequest struct {
	Trader    string `json:"trader"`
	Token     string `json:"token"`
	IsLong    bool   `json:"isLong"`
	Size      int64  `json:"size"`
	Leverage  int64  `json:"leverage"`
	Price     int64  `json:"price"`
	Deadline  int64  `json:"deadline"`
	Nonce     uint64 `json:"nonce"`
	OrderType string `json:"orderType"` // "market" | "limit"
	Signature string `json:"signature"` // 0x-prefixed 65-byte hex
}

type SubmitOrderResponse struct {
	OrderID      string   `json:"orderId"`
	Status       string   `json:"status"`
	FilledSize   int64    `json:"filledSize"`
	AvgFillPrice int64    `json:"avgFillPrice"`
	MatchIDs     []string `json:"matchIds,omitempty"`
}

type CancelOrderRequest struct {
	OrderID   string `json:"orderId"`
	Token     string `json:"token"`
	Trader    string `json:"trader"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// MarketInfo describes one registered instrument.
type MarketInfo struct {
	Token                string `json:"token"`
	Symbol               string `json:"symbol"`
	TickSize             int64  `json:"tickSize"`
	LotSize              int64  `json:"lotSize"`
	MinNotional          int64  `json:"minNotional"`
	MaxLeverage          int64  `json:"maxLeverage"`
	MaintenanceMarginBps int64  `json:"maintenanceMarginBps"`
	MarkPrice            int64  `json:"markPrice"`
	FundingRateBps       int64  `json:"fundingRateBps"`
}

type NonceInfo struct {
	Trader   string `json:"trader"`
	Expected uint64 `json:"expected"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client-to-server subscription control
// message. Channels are "<type>:<token>" or "<type>:*".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

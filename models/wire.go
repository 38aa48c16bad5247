package models

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceDepthEvent mirrors Binance's depthUpdate websocket event. Futures
// frames carry pu, the final id of the previous frame; spot frames omit it.
type BinanceDepthEvent struct {
	Event            string      `json:"e"`
	Time             int64       `json:"E"`
	TransactionTime  int64       `json:"T"`
	Symbol           string      `json:"s"`
	FirstUpdateID    uint64      `json:"U"`
	LastUpdateID     uint64      `json:"u"`
	PrevLastUpdateID *uint64     `json:"pu"`
	Bids             [][2]string `json:"b"`
	Asks             [][2]string `json:"a"`
}

// BinanceTradeEvent mirrors the trade / aggTrade events.
type BinanceTradeEvent struct {
	Event        string `json:"e"`
	Time         int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

// BinanceBookTicker mirrors the bookTicker event. Spot frames omit "e".
type BinanceBookTicker struct {
	Event    string `json:"e"`
	UpdateID uint64 `json:"u"`
	Time     int64  `json:"E"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// BinanceAck is the response to SUBSCRIBE/UNSUBSCRIBE requests.
type BinanceAck struct {
	Result interface{} `json:"result"`
	ID     *int64      `json:"id"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BYBIT /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BybitFrame is the outer shape of Bybit v5 public frames.
type BybitFrame struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// BybitBook is the data of an orderbook.<depth>.<symbol> frame.
type BybitBook struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID uint64      `json:"u"`
	Seq      int64       `json:"seq"`
}

// BybitTrade is one element of a publicTrade.<symbol> frame.
type BybitTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

package binance

import "encoding/json"

// subscribeRequest is the stream-management frame sent after connection open:
// {"method":"SUBSCRIBE","params":["btcusdt@kline_1m"],"id":1}.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// streamEnvelope is the outer shape of every inbound frame. Combined-stream
// frames wrap the payload in "data"; raw-stream frames are the payload itself.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	// Raw-stream fields, used when Data is absent.
	EventType string `json:"e"`
}

// klineEvent is a kline/candlestick stream payload.
type klineEvent struct {
	EventType string    `json:"e"` // "kline"
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineData `json:"k"`
}

// klineData carries one candle. IsClosed is true only on the final update of
// a candle interval.
type klineData struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	IsClosed  bool   `json:"x"`
}

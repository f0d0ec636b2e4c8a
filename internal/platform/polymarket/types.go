package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// subscribeMessage is the replace-semantics subscription frame. The venue
// overwrites server-side interest with exactly this set, so the full
// accumulated id set is transmitted on every change.
type subscribeMessage struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// wsEnvelope identifies an inbound frame by its event type tag. Unknown tags
// are ignored, not fatal.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// bookMessage is a full orderbook snapshot frame. Bids and asks arrive in
// ascending price order; the best level is the LAST element of each array.
type bookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []wsPriceLevel `json:"bids"`
	Asks      []wsPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// wsPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type wsPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// toSnapshot derives the cached top-of-book view from a book frame.
func (m *bookMessage) toSnapshot() domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		AssetID:   m.AssetID,
		Timestamp: time.Now().UTC(),
	}
	if ms, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && ms > 0 {
		snap.Timestamp = time.UnixMilli(ms).UTC()
	}

	if n := len(m.Bids); n > 0 {
		snap.BestBid, _ = strconv.ParseFloat(m.Bids[n-1].Price, 64)
		snap.BestBidSize, _ = strconv.ParseFloat(m.Bids[n-1].Size, 64)
	}
	if n := len(m.Asks); n > 0 {
		snap.BestAsk, _ = strconv.ParseFloat(m.Asks[n-1].Price, 64)
		snap.BestAskSize, _ = strconv.ParseFloat(m.Asks[n-1].Size, 64)
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.Spread = snap.BestAsk - snap.BestBid
		snap.MidPrice = (snap.BestAsk + snap.BestBid) / 2
	}
	return snap
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// APIMarket represents a market as returned by the Gamma API.
type APIMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	ConditionID  string   `json:"condition_id"`
	Slug         string   `json:"slug"`
	Active       flexBool `json:"active"`
	Closed       bool     `json:"closed"`
	Outcomes     string   `json:"outcomes"`       // JSON-encoded: e.g. "[\"Up\",\"Down\"]"
	ClobTokenIDs string   `json:"clob_token_ids"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
	EndDateISO   string   `json:"end_date_iso"`
}

// ToDomainMarket converts an APIMarket to a domain.Market. Token ids keep the
// venue's [up, down] outcome ordering.
func (m *APIMarket) ToDomainMarket() domain.Market {
	mkt := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Active:      bool(m.Active),
		Closed:      m.Closed,
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err == nil && len(tokenIDs) >= 2 {
		mkt.TokenIDs = [2]string{tokenIDs[0], tokenIDs[1]}
	}
	if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		mkt.WindowEnd = t
	}
	return mkt
}

// apiOrderResult is the response from placing an order via the CLOB API.
type apiOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	OrderID  string `json:"orderID,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Package upstream adapts a chain follower's REST snapshot endpoint and
// WebSocket event feed, plus a transaction submission endpoint, into the
// driver.UpstreamSource and driver.Submitter contracts. Grounded on the
// teacher's internal/exchange package: the REST client's rate-limit/retry
// pattern (client.go), the WebSocket feed's auto-reconnect/dispatch pattern
// (ws.go), and the per-category token bucket (ratelimit.go) — generalized
// from Polymarket's book/price_change/trade/order wire shapes to this
// engine's entity/order-update shapes.
package upstream

import (
	"encoding/json"
	"fmt"

	"tlbengine/internal/backlog"
	"tlbengine/internal/book"
	"tlbengine/internal/order"
	"tlbengine/internal/pool"
	"tlbengine/internal/price"
	"tlbengine/internal/state"
)

// wireStatus mirrors state.Status over the wire.
type wireStatus string

const (
	wireConfirmed   wireStatus = "confirmed"
	wireUnconfirmed wireStatus = "unconfirmed"
)

// wireKind mirrors state.TransitionKind over the wire.
type wireKind string

const (
	wireLeft     wireKind = "left"
	wireRight    wireKind = "right"
	wireBoth     wireKind = "both"
	wireRollback wireKind = "rollback"
)

// wireEntityKind tags which concrete Entity implementation wireEntity.Body
// decodes as.
type wireEntityKind string

const (
	wireLimitOrder wireEntityKind = "limit_order"
	wireCFMMPool   wireEntityKind = "cfmm_pool"
)

// wireRational is price.MustRational(Num, Den)'s wire form.
type wireRational struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

func (r wireRational) toPrice() price.Rational { return price.MustRational(r.Num, r.Den) }

// wireTimeBounds mirrors book.TimeBounds over the wire.
type wireTimeBounds struct {
	Kind  book.TimeBoundsKind `json:"kind"`
	Lower uint64              `json:"lower"`
	Upper uint64              `json:"upper"`
}

func (b wireTimeBounds) toBook() book.TimeBounds {
	return book.TimeBounds{Kind: b.Kind, Lower: b.Lower, Upper: b.Upper}
}

// wireLimitOrderBody is order.LimitOrder's wire shape.
type wireLimitOrderBody struct {
	ID          book.StableID  `json:"id"`
	Side        string         `json:"side"` // "bid" or "ask"
	InputQty    uint64         `json:"input_qty"`
	Price       wireRational   `json:"price"`
	FeeQty      uint64         `json:"fee_qty"`
	MinOutput   uint64         `json:"min_output"`
	CostHint    uint64         `json:"cost_hint"`
	Bounds      wireTimeBounds `json:"bounds"`
}

func (b wireLimitOrderBody) decode() (book.Fragment, error) {
	side, err := parseSide(b.Side)
	if err != nil {
		return nil, err
	}
	return order.LimitOrder{
		ID:          b.ID,
		SideTag:     side,
		InputQty:    b.InputQty,
		PriceVal:    b.Price.toPrice(),
		FeeQty:      b.FeeQty,
		MinOutput:   b.MinOutput,
		CostHintVal: b.CostHint,
		Bounds:      b.Bounds.toBook(),
	}, nil
}

// wireCFMMBody is pool.CFMM's wire shape.
type wireCFMMBody struct {
	ID            book.StableID `json:"id"`
	ReservesBase  uint64        `json:"reserves_base"`
	ReservesQuote uint64        `json:"reserves_quote"`
	FeeNum        uint64        `json:"fee_num"`
	Active        bool          `json:"active"`
}

func (b wireCFMMBody) decode() book.MarketMaker {
	return pool.CFMM{
		ID_:           b.ID,
		ReservesBase:  b.ReservesBase,
		ReservesQuote: b.ReservesQuote,
		FeeNum:        b.FeeNum,
		Active:        b.Active,
	}
}

func parseSide(s string) (price.Tag, error) {
	switch s {
	case "bid":
		return price.BidTag, nil
	case "ask":
		return price.AskTag, nil
	default:
		return 0, fmt.Errorf("upstream: unknown side %q", s)
	}
}

// wireEntity is the tagged-union wire form of an entity update's payload.
type wireEntity struct {
	EntityType wireEntityKind  `json:"entity_type"`
	Body       json.RawMessage `json:"body"`
}

func (e wireEntity) decode() (book.StableID, state.Entity, error) {
	switch e.EntityType {
	case wireLimitOrder:
		var body wireLimitOrderBody
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return "", nil, fmt.Errorf("upstream: decode limit_order: %w", err)
		}
		f, err := body.decode()
		if err != nil {
			return "", nil, err
		}
		return body.ID, f, nil
	case wireCFMMPool:
		var body wireCFMMBody
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return "", nil, fmt.Errorf("upstream: decode cfmm_pool: %w", err)
		}
		return body.ID, body.decode(), nil
	default:
		return "", nil, fmt.Errorf("upstream: unknown entity_type %q", e.EntityType)
	}
}

// wireBearer is the simplest Bearer wire form: an opaque reference string,
// decoded directly into book.StaticBearer.
type wireBearer string

func (b wireBearer) toBearer() book.Bearer { return book.StaticBearer(b) }

// wireSpecializedOrder is the wire shape of a backlog entry: an order that
// must run against one specific pool rather than be matched through
// fragment/pool composition.
type wireSpecializedOrder struct {
	ID       book.StableID   `json:"id"`
	Pool     book.StableID   `json:"pool_ref"`
	Payload  json.RawMessage `json:"payload"` // opaque to the core, consumed by a SpecializedInterpreter
}

func (o wireSpecializedOrder) OrderID() book.StableID { return o.ID }
func (o wireSpecializedOrder) PoolRef() book.StableID { return o.Pool }

// RawPayload exposes the opaque interpreter-specific body, so a
// SpecializedInterpreter consuming this concrete type can get at it without
// a type assertion back to the wire package.
func (o wireSpecializedOrder) RawPayload() json.RawMessage { return o.Payload }

var _ backlog.SpecializedOrder = wireSpecializedOrder{}

// wireEntityUpdate is the WebSocket message shape for an entity sighting.
type wireEntityUpdate struct {
	MsgType string         `json:"msg_type"` // "entity_update"
	Pair    wirePairID     `json:"pair"`
	Status  wireStatus     `json:"status"`
	Kind    wireKind       `json:"kind"`
	Version book.Version   `json:"version"`
	Bearer  wireBearer     `json:"bearer"`
	Entity  wireEntity     `json:"entity"`
}

// wireOrderUpdate is the WebSocket message shape for a backlog order
// sighting or removal.
type wireOrderUpdate struct {
	MsgType string          `json:"msg_type"` // "order_update"
	Pair    wirePairID      `json:"pair"`
	Kind    string          `json:"kind"` // "created" or "eliminated"
	ID      book.StableID   `json:"id"`
	Order   json.RawMessage `json:"order,omitempty"` // present only for "created"
}

// wirePairID is price.PairID's wire shape.
type wirePairID struct {
	BasePolicy  string `json:"base_policy"`
	BaseName    string `json:"base_name"`
	QuotePolicy string `json:"quote_policy"`
	QuoteName   string `json:"quote_name"`
}

func (p wirePairID) toPair() price.PairID {
	return price.PairID{
		Base:  price.AssetClass{Policy: p.BasePolicy, Name: p.BaseName},
		Quote: price.AssetClass{Policy: p.QuotePolicy, Name: p.QuoteName},
	}
}

// peekMsgType reads just the discriminant field, the way the teacher's
// WSFeed.dispatchMessage peeks event_type before fully decoding.
func peekMsgType(raw []byte) (string, error) {
	var peek struct {
		MsgType string `json:"msg_type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", fmt.Errorf("upstream: peek msg_type: %w", err)
	}
	return peek.MsgType, nil
}

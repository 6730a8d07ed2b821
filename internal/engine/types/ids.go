package types

import "github.com/google/uuid"

// accountNamespace is a fixed namespace used to derive AccountID
// deterministically from UserID, so account lookups are stable across
// process restarts (spec: "AccountId is deterministically derived from
// UserId").
var accountNamespace = uuid.MustParse("6f6e7472-6163-5f64-6572-697665645f61")

// OrderID, TradeID, EventID, UserID, MarketID, AccountID, LiquidationID,
// EntryID and OperatorID are distinct named types over uuid.UUID so the Go
// compiler rejects accidentally passing one ID kind where another is
// expected.
type (
	OrderID       uuid.UUID
	TradeID       uuid.UUID
	EventID       uuid.UUID
	UserID        uuid.UUID
	MarketID      uuid.UUID
	AccountID     uuid.UUID
	LiquidationID uuid.UUID
	EntryID       uuid.UUID
	OperatorID    uuid.UUID
)

func NewOrderID() OrderID             { return OrderID(uuid.New()) }
func NewTradeID() TradeID             { return TradeID(uuid.New()) }
func NewEventID() EventID             { return EventID(uuid.New()) }
func NewUserID() UserID               { return UserID(uuid.New()) }
func NewMarketID() MarketID           { return MarketID(uuid.New()) }
func NewLiquidationID() LiquidationID { return LiquidationID(uuid.New()) }
func NewEntryID() EntryID             { return EntryID(uuid.New()) }

// DeriveAccountID computes the AccountID for a UserID deterministically, so
// the same user always resolves to the same account, even after restart.
func DeriveAccountID(user UserID) AccountID {
	return AccountID(uuid.NewSHA1(accountNamespace, uuid.UUID(user).NodeID()))
}

// marketNamespace derives MarketID from a human-readable symbol
// (e.g. "BTC-PERP") the same way accountNamespace derives AccountID from
// UserID, so configuration can name markets by symbol and still resolve
// to a stable MarketID across restarts.
var marketNamespace = uuid.MustParse("6d61726b-6574-5f6e-616d-6573706163e5")

// DeriveMarketID computes the MarketID for a market symbol deterministically.
func DeriveMarketID(symbol string) MarketID {
	return MarketID(uuid.NewSHA1(marketNamespace, []byte(symbol)))
}

func (id OrderID) String() string       { return uuid.UUID(id).String() }
func (id TradeID) String() string       { return uuid.UUID(id).String() }
func (id EventID) String() string       { return uuid.UUID(id).String() }
func (id UserID) String() string        { return uuid.UUID(id).String() }
func (id MarketID) String() string      { return uuid.UUID(id).String() }
func (id AccountID) String() string     { return uuid.UUID(id).String() }
func (id LiquidationID) String() string { return uuid.UUID(id).String() }
func (id EntryID) String() string       { return uuid.UUID(id).String() }
func (id OperatorID) String() string    { return uuid.UUID(id).String() }

func (id OrderID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }
func (id MarketID) IsZero() bool  { return uuid.UUID(id) == uuid.Nil }
func (id AccountID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

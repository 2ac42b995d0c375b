// Package registry owns the authoritative cross-server state: platform
// identities, entitlements, wallet balances, marketplace listings, and the
// withdrawal journal. It is the only component permitted to write this
// state; the game databases remain read-only collaborators (see package
// gamedb).
package registry

import "time"

// Identity is the resolved view of a platform_id: its bound chat_id (if
// any) and the entitlement level attached to that chat_id.
type Identity struct {
	PlatformID string
	ChatID     int64 // zero if unbound
	Bound      bool
	Level      int
	Expiry     *time.Time
}

// ListingStatus enumerates the lifecycle of a market listing.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingSold   ListingStatus = "sold"
)

// ItemDNA is the structured stat payload decoded from an item's binary
// data blob: integer and float property maps, keyed by property id.
type ItemDNA struct {
	IntStats   map[uint32]uint32
	FloatStats map[uint32]float32
}

// Listing is a marketplace offer.
type Listing struct {
	ID             int64
	SellerChatID   int64
	ItemTemplateID int64
	DNA            ItemDNA
	Price          int64
	Status         ListingStatus
	CreatedAt      time.Time
}

// WithdrawalStatus enumerates the lifecycle of a withdrawal journal row.
type WithdrawalStatus string

const (
	WithdrawalPending      WithdrawalStatus = "PENDING"
	WithdrawalCompleted    WithdrawalStatus = "COMPLETED"
	WithdrawalErrorReview  WithdrawalStatus = "ERROR_REVIEW"
)

// WithdrawalTx is one row of the withdrawal audit journal. Rows are never
// deleted.
type WithdrawalTx struct {
	ID            int64
	ChatID        int64
	Amount        int64
	CharacterName string
	ServerName    string
	Status        WithdrawalStatus
	CreatedAt     time.Time
}

// Home is a saved set of warp coordinates for a platform_id on a server.
type Home struct {
	PlatformID string
	ServerName string
	X, Y, Z    float64
}

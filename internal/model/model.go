// Package model defines the domain types shared across the history pipeline:
// raw marketplace payloads as delivered by the snapshot source, realm
// metadata, and the market-value records kept in the history store.
//
// Prices and market values are integers in the smallest currency unit.
package model

// Record is one market value observation for one item in one ingestion
// cycle. Records are immutable once created.
type Record struct {
	Timestamp   int64 `json:"timestamp"`    // seconds since epoch, one per cycle
	MarketValue int64 `json:"market_value"` // smallest currency unit
}

// ItemModifier is a (type, value) attribute attached to an auctioned item.
type ItemModifier struct {
	Type  int64 `json:"type"`
	Value int64 `json:"value"`
}

// AuctionItem is the item reference carried by a listing. A nil BonusLists
// or Modifiers means the attribute was absent from the payload; an empty,
// non-nil slice means it was present but empty.
type AuctionItem struct {
	ID         int64          `json:"id"`
	Context    int64          `json:"context,omitempty"`
	BonusLists []int64        `json:"bonus_lists"`
	Modifiers  []ItemModifier `json:"modifiers"`
}

// Auction is one listing of a snapshot. Commodity listings carry UnitPrice;
// regular auctions carry Buyout (total for Quantity) and optionally Bid.
type Auction struct {
	ID        int64        `json:"id"`
	Item      *AuctionItem `json:"item"`
	Quantity  int64        `json:"quantity"`
	UnitPrice int64        `json:"unit_price,omitempty"`
	Buyout    int64        `json:"buyout,omitempty"`
	Bid       int64        `json:"bid,omitempty"`
	TimeLeft  string       `json:"time_left,omitempty"`
}

// Snapshot is one point-in-time capture of the listings of a shard.
// Timestamp is assigned by the snapshot source (last-modified time of the
// upstream data) and shared by every record produced from it.
type Snapshot struct {
	Timestamp int64     `json:"timestamp"`
	Auctions  []Auction `json:"auctions"`
}

// Realm is one game realm inside a connected realm.
type Realm struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Locale   string `json:"locale,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ConnectedRealm groups realms sharing one auction house.
type ConnectedRealm struct {
	ID       int64   `json:"id"`
	Timezone string  `json:"timezone"`
	Realms   []Realm `json:"realms"`
}

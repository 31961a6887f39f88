package store

import (
	"strings"
	"time"
)

// AddressRecord maps a derived address to its derivation index. CreatedAt is zero when the age is unknown.
type AddressRecord struct {
	Network   string    `json:"network" bson:"network"`
	Address   string    `json:"address" bson:"address"`
	Index     uint32    `json:"index" bson:"index"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Purchase is an entry of the purchase ledger.
type Purchase struct {
	Network     string    `json:"network" bson:"network"`
	Address     string    `json:"address" bson:"address"`
	CompletedAt time.Time `json:"completedAt" bson:"completed_at"`
}

// Event types written to the event ledger.
const (
	EventRoleTransfer       = "role-transfer"
	EventRefillInsufficient = "refill-insufficient-funds"
	EventClawbackReclaim    = "clawback-reclaim"
	EventClawbackSkip       = "clawback-skip"
	EventClawbackAmbiguous  = "clawback-ambiguous"
	EventClawbackSummary    = "clawback-summary"
	EventUserFunded         = "user-funded"
	EventError              = "error"
)

// Event is an entry of the event ledger.
type Event struct {
	ID        string                 `json:"id" bson:"_id"`
	Network   string                 `json:"network" bson:"network"`
	Type      string                 `json:"event_type" bson:"event_type"`
	Metadata  map[string]interface{} `json:"metadata" bson:"metadata"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
}

// CounterKey returns the key of the derivation index counter of network.
func CounterKey(network string) string {
	return "wallet_index_" + network
}

// AddressKey returns the key of the reverse lookup entry of address in network. Addresses are compared lowercase.
func AddressKey(network, address string) string {
	return "address_to_index_" + network + "_" + NormalizeAddress(address)
}

// NormalizeAddress returns the lowercase form used as identity for addresses in every backend.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

package domain

import "time"

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const (
	EdmInt64    = "Edm.Int64"
	EdmDouble   = "Edm.Double"
	EdmDateTime = "Edm.DateTime"
)

// MemberEntity is one row of the group view: partitioned by group, keyed by
// user.
type MemberEntity struct {
	Entity
	Status        string    `json:"Status"`
	LastEvent     string    `json:"LastEvent,omitempty"`
	Seq           uint64    `json:"Seq,string"`
	SeqType       string    `json:"Seq@odata.type"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
	Latitude      *float64  `json:"Latitude,omitempty"`
	LatitudeType  *string   `json:"Latitude@odata.type,omitempty"`
	Longitude     *float64  `json:"Longitude,omitempty"`
	LongitudeType *string   `json:"Longitude@odata.type,omitempty"`
	// ETag is filled on reads and used for conditional replaces.
	ETag string `json:"-"`
}

// HasPosition reports whether a location has ever been recorded.
func (m MemberEntity) HasPosition() bool {
	return m.Latitude != nil && m.Longitude != nil
}

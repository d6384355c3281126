package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FanoutTags is the number of tags persisted entries are spread over for
// downstream projection consumers.
const FanoutTags = 5

const scopeSeparator = ":"

// ErrInvalidScope is returned when an encoded scope cannot be decoded.
var ErrInvalidScope = errors.New("invalid scope")

// Scope identifies a tracked session: one user sharing its location with one group.
type Scope struct {
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
}

// Encode returns the routing key of the scope. Both components are escaped so
// the separator can only appear once.
func (s Scope) Encode() string {
	return url.QueryEscape(s.UserID) + scopeSeparator + url.QueryEscape(s.GroupID)
}

// DecodeScope is the inverse of Encode.
func DecodeScope(key string) (Scope, error) {
	if strings.Count(key, scopeSeparator) != 1 {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, key)
	}
	user, group, _ := strings.Cut(key, scopeSeparator)
	userID, err := url.QueryUnescape(user)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	groupID, err := url.QueryUnescape(group)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	s := Scope{UserID: userID, GroupID: groupID}
	if !s.Valid() {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, key)
	}
	return s, nil
}

// Valid reports whether both components are set.
func (s Scope) Valid() bool {
	return s.UserID != "" && s.GroupID != ""
}

// FanoutTag returns the deterministic tag in [0, FanoutTags) of the scope.
func (s Scope) FanoutTag() int {
	return int(xxhash.Sum64String(s.Encode()) % FanoutTags)
}

func (s Scope) String() string {
	return s.Encode()
}

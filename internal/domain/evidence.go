package domain

import (
	"time"
)

// Event channels
const (
	ChannelCall = "call"
	ChannelSMS  = "sms"
	ChannelMsg  = "msg"
	ChannelDM   = "dm"
	ChannelMeet = "meet"
	ChannelTxn  = "txn"
	ChannelPost = "post"
)

// Event is one communication, meeting or payment between two references.
// A nil Timestamp is allowed: the event still counts but carries no time.
type Event struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"caseId"`
	Platform  string         `json:"platform"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	ActorKey  string         `json:"actor"`
	PeerKey   string         `json:"peer,omitempty"`
	Channel   string         `json:"channel"`
	Private   bool           `json:"private"`
	Text      string         `json:"text,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Ping is a single device location fix.
type Ping struct {
	CaseID    string    `json:"caseId"`
	PersonID  string    `json:"personId"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"ts"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
}

// HotelStay is a lodging record.
type HotelStay struct {
	ID         string    `json:"id"`
	CaseID     string    `json:"caseId"`
	PersonID   string    `json:"personId"`
	PlaceID    string    `json:"placeId"`
	CheckIn    time.Time `json:"checkin"`
	CheckOut   time.Time `json:"checkout"`
	BookingRef string    `json:"bookingRef,omitempty"`
	PaidCash   bool      `json:"paidCash"`
	CardLast4  string    `json:"cardLast4,omitempty"`
}

// Call is a telephony record between two persons.
type Call struct {
	CaseID    string    `json:"caseId"`
	CallerID  string    `json:"caller"`
	CalleeID  string    `json:"callee"`
	Timestamp time.Time `json:"ts"`
	DurationS int       `json:"durationS"`
}

// StayInterval is a derived dwell period of one identity at one spot.
type StayInterval struct {
	IdentityKey string    `json:"identity"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	CentroidLat float64   `json:"lat"`
	CentroidLon float64   `json:"lon"`
	SampleCount int       `json:"n"`
	DurationS   float64   `json:"durationS"`
}

// Trip is the movement between two consecutive stays.
type Trip struct {
	FromLat   float64 `json:"fromLat"`
	FromLon   float64 `json:"fromLon"`
	ToLat     float64 `json:"toLat"`
	ToLon     float64 `json:"toLon"`
	DistanceM float64 `json:"distM"`
	GapS      float64 `json:"gapS"`
}

// SafeHouse is a grid cell an identity repeatedly occupies at night.
type SafeHouse struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Hits int     `json:"hits"`
}

// NightWindow is an hour range that may wrap midnight, e.g. 22 to 6.
type NightWindow struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// Contains reports whether hour falls in the window.
func (w NightWindow) Contains(hour int) bool {
	if w.StartHour == w.EndHour {
		return false
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// PairAggregate is the folded communication history of two identities.
type PairAggregate struct {
	IdentityA     string         `json:"a"`
	IdentityB     string         `json:"b"`
	ChannelCounts map[string]int `json:"channels"`
	Total         int            `json:"total"`
	Private       int            `json:"private"`
	Night         int            `json:"night"`
	Meet          int            `json:"meet"`
	FirstTS       *time.Time     `json:"firstTs,omitempty"`
	LastTS        *time.Time     `json:"lastTs,omitempty"`
	DecayedWeight float64        `json:"w"`
}

// OrderedPair returns a and b sorted.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

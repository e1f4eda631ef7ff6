package protocol

import (
	"encoding/json"
)

// Event kinds served and emitted by this engine. The numbers are part of
// the wire protocol shared with other implementations and must not drift.
const (
	KindJobRequest    = 5050
	KindJobResult     = 6050
	KindJobFeedback   = 7000
	KindAdvertisement = 31990
)

// Feedback status values carried in the first slot of the "status" tag.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// Event is the unit exchanged with relays. ID is a content hash over the
// canonical serialization and Sig covers the ID; both are filled by a
// Signer, which must always be the last thing to touch an event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the values (everything after the name slot) of the first
// tag with the given name, or nil if absent.
func (e *Event) Tag(name string) []string {
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == name {
			return t[1:]
		}
	}
	return nil
}

// TagValue returns the first value of the named tag, or "".
func (e *Event) TagValue(name string) string {
	if v := e.Tag(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Serialize produces the canonical byte form the event ID is computed
// over: a JSON array of [0, pubkey, created_at, kind, tags, content].
// The id and sig slots are deliberately excluded. Nil tags serialize as
// [] so an event has exactly one canonical form.
func (e *Event) Serialize() []byte {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	b, _ := json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	return b
}

// Filter selects events by kind, author and recency. Zero fields match
// everything.
type Filter struct {
	Kinds   []int
	Authors []string
	Since   int64
}

func (f Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Package types holds the data model shared by the store, the cache and the
// broadcast engine: stream identifiers, chat identifiers, messages and the
// per-chat filter rules.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ChatID identifies a messaging-platform conversation. Negative values denote
// groups and channels, which are subject to a longer per-chat send delay.
type ChatID int64

// IsGroup reports whether the chat is a group or channel.
func (c ChatID) IsGroup() bool { return c < 0 }

func (c ChatID) String() string { return strconv.FormatInt(int64(c), 10) }

// ParseChatID parses the decimal representation of a chat id.
func ParseChatID(s string) (ChatID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return ChatID(n), nil
}

// StreamID is the totally ordered identifier assigned to a message when it is
// appended to the durable stream. The encoding is the Redis stream id format:
// a millisecond timestamp plus a monotonic tiebreaker.
type StreamID struct {
	Millis int64
	Seq    int64
}

// ZeroStreamID is the sentinel id of an empty stream. It sorts before every
// assigned id.
var ZeroStreamID = StreamID{}

// IsZero reports whether the id is the empty-stream sentinel.
func (id StreamID) IsZero() bool { return id == ZeroStreamID }

// Less reports whether id sorts strictly before other.
func (id StreamID) Less(other StreamID) bool {
	if id.Millis != other.Millis {
		return id.Millis < other.Millis
	}
	return id.Seq < other.Seq
}

// Next returns the smallest id strictly greater than id. Useful as an
// inclusive lower bound for "strictly after" range reads.
func (id StreamID) Next() StreamID {
	return StreamID{Millis: id.Millis, Seq: id.Seq + 1}
}

func (id StreamID) String() string {
	return strconv.FormatInt(id.Millis, 10) + "-" + strconv.FormatInt(id.Seq, 10)
}

// ParseStreamID parses the "millis-seq" encoding.
func ParseStreamID(s string) (StreamID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
	}
	q, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
	}
	return StreamID{Millis: m, Seq: q}, nil
}

// MarshalJSON encodes the id in its canonical string form.
func (id StreamID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes the canonical string form.
func (id *StreamID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseStreamID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TagKind identifies a metadata facet of a paper. The set is closed; adding a
// kind is a code change.
type TagKind string

const (
	TagDocumentNumber TagKind = "dsnr"
	TagPaperType      TagKind = "art"
	TagCommittee      TagKind = "gremium"
	TagAuthor         TagKind = "verfasser"
	TagLeadOffice     TagKind = "federfuehrend"
	TagInvolvedOffice TagKind = "beteiligt"
)

// Tag is one metadata pair attached to a message.
type Tag struct {
	Kind  TagKind `json:"kind"`
	Value string  `json:"value"`
}

// MessageEntity is a rich-text annotation over the message body, passed
// through to the platform unchanged.
type MessageEntity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// LinkButton is an inline URL button attached below the message.
type LinkButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Message is the payload delivered to chats. Immutable once appended to the
// stream; the broadcast engine shares a single decoded instance across all
// chat workers.
type Message struct {
	Text      string          `json:"text"`
	ParseMode string          `json:"parse_mode,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
	Buttons   []LinkButton    `json:"buttons,omitempty"`
	Tags      []Tag           `json:"tags,omitempty"`
}

// ChatState is the lifecycle state derived from a chat's subscription.
// Exactly one of the variants applies.
type ChatState interface{ isChatState() }

// Active is a chat with a live subscription; LastSent is its acknowledgement
// cursor into the stream.
type Active struct{ LastSent StreamID }

// Migrated is a chat whose platform id was superseded; deliveries go to To.
type Migrated struct{ To ChatID }

// Stopped is a chat with no subscription.
type Stopped struct{}

func (Active) isChatState()   {}
func (Migrated) isChatState() {}
func (Stopped) isChatState()  {}

package dispatch

import (
	"encoding/json"
	"fmt"
)

// EntryKind is the closed set of envelope shapes the platform delivers.
// The kind is resolved once at parse time; no call site branches on raw
// field strings afterwards.
type EntryKind int

const (
	// EntryMessaging carries explicit direct messages.
	EntryMessaging EntryKind = iota
	// EntryChanges carries comment/feed changes with full detail.
	EntryChanges
	// EntryDegraded names changed fields without any detail; the payload
	// alone is insufficient and a re-poll of recent posts is required.
	EntryDegraded
)

// Envelope is one decoded webhook delivery.
type Envelope struct {
	Object  string
	Entries []Entry
}

// Entry is one page's slice of a delivery, already classified.
type Entry struct {
	Kind     EntryKind
	PageID   string
	Messages []InboundMessage
	Comments []InboundComment
	Fields   []string
}

// InboundMessage is a direct message addressed to the page.
type InboundMessage struct {
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
}

// InboundComment is a comment on a page post.
type InboundComment struct {
	CommentID  string
	PostID     string
	AuthorID   string
	AuthorName string
	Text       string
	Verb       string
}

// Wire-format mirror types.

type rawEnvelope struct {
	Object string     `json:"object"`
	Entry  []rawEntry `json:"entry"`
}

type rawEntry struct {
	ID            string         `json:"id"`
	Messaging     []rawMessaging `json:"messaging"`
	Changes       []rawChange    `json:"changes"`
	ChangedFields []string       `json:"changed_fields"`
}

type rawMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message struct {
		MID  string `json:"mid"`
		Text string `json:"text"`
	} `json:"message"`
}

type rawChange struct {
	Field string `json:"field"`
	Value struct {
		Item      string `json:"item"`
		Verb      string `json:"verb"`
		CommentID string `json:"comment_id"`
		PostID    string `json:"post_id"`
		Message   string `json:"message"`
		From      struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"from"`
	} `json:"value"`
}

// ParseEnvelope decodes a webhook body and classifies every entry. A body
// that is not valid JSON or has no entries is a parse error; a single odd
// entry never poisons its siblings.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if len(raw.Entry) == 0 {
		return nil, fmt.Errorf("webhook payload has no entries")
	}

	env := &Envelope{Object: raw.Object}
	for _, re := range raw.Entry {
		entry := Entry{PageID: re.ID}

		switch {
		case len(re.Messaging) > 0:
			entry.Kind = EntryMessaging
			for _, m := range re.Messaging {
				if m.Message.MID == "" || m.Message.Text == "" {
					continue
				}
				entry.Messages = append(entry.Messages, InboundMessage{
					MessageID: m.Message.MID,
					SenderID:  m.Sender.ID,
					Text:      m.Message.Text,
				})
			}

		case hasChangeDetail(re.Changes):
			entry.Kind = EntryChanges
			for _, ch := range re.Changes {
				v := ch.Value
				if v.CommentID == "" {
					continue
				}
				entry.Comments = append(entry.Comments, InboundComment{
					CommentID:  v.CommentID,
					PostID:     v.PostID,
					AuthorID:   v.From.ID,
					AuthorName: v.From.Name,
					Text:       v.Message,
					Verb:       v.Verb,
				})
			}

		default:
			entry.Kind = EntryDegraded
			entry.Fields = append(entry.Fields, re.ChangedFields...)
			for _, ch := range re.Changes {
				entry.Fields = append(entry.Fields, ch.Field)
			}
		}

		env.Entries = append(env.Entries, entry)
	}
	return env, nil
}

// PageIDHint extracts the first entry's page id without fully decoding the
// envelope, so a stored raw payload can be attributed to a page before any
// dispatch happens. Best-effort; empty when the body has no usable entry.
func PageIDHint(body []byte) string {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil || len(raw.Entry) == 0 {
		return ""
	}
	return raw.Entry[0].ID
}

func hasChangeDetail(changes []rawChange) bool {
	for _, ch := range changes {
		if ch.Value.CommentID != "" {
			return true
		}
	}
	return false
}

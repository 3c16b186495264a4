package model

import "time"

type ContentMode string

const (
	ContentText    ContentMode = "text"
	ContentMedia   ContentMode = "media"
	ContentForward ContentMode = "forward"
)

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
)

type Button struct {
	Label string
	URL   string
}

// Template is a message content definition. It is treated as immutable
// while referenced by a running job; callers are expected not to edit a
// template mid-run.
type Template struct {
	ID               string
	Name             string
	Mode             ContentMode
	Text             string
	MediaRef         string
	MediaKind        MediaKind
	ForwardChannel   string
	ForwardMessageID int64
	Buttons          []Button
	CreatedAt        time.Time
}

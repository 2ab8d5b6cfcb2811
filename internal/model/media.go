package model

import "time"

type Category string

const (
	CategoryImage       Category = "image"
	CategoryVideo       Category = "video"
	CategoryUnsupported Category = "unsupported"
)

// MediaRequest is what the fetcher needs to download one media item.
type MediaRequest struct {
	URL     string
	Headers map[string]string
	Cookies map[string]string
}

// MediaBuffer holds downloaded bytes together with the sniffed type.
type MediaBuffer struct {
	Data     []byte
	MIMEType string
	Category Category
}

// Verdict is the result of classifying one media item. Score is kept only for
// reporting; the cache stores Censored alone.
type Verdict struct {
	Censored     bool
	Score        float64
	MIMEType     string
	Category     Category
	FramesScored int
}

type VerdictEvent struct {
	RequestID    string    `json:"request_id,omitempty"`
	ServiceName  string    `json:"service_name"`
	URL          string    `json:"url"`
	Censored     bool      `json:"censor"`
	Score        float64   `json:"score"`
	MIMEType     string    `json:"mime_type"`
	Category     Category  `json:"category"`
	FramesScored int       `json:"frames_scored,omitempty"`
	CreatedAt    time.Time `json:"timestamp"`
}

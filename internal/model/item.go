package model

import "time"

// ContentCategory describes what kind of content an item carries. The values
// double as the Notion "Type" select options.
type ContentCategory string

const (
	CategoryRegular  ContentCategory = "Regular Tweet"
	CategoryThread   ContentCategory = "Thread"
	CategoryLongForm ContentCategory = "Long-form"
)

// CanonicalItem is the normalized representation of a bookmarked or shared
// piece of content. SourceID is stable per source platform: fetching the same
// underlying item twice must yield the same SourceID.
type CanonicalItem struct {
	SourceID     string
	Title        string
	AuthorName   string
	AuthorHandle string
	BodyText     string
	URL          string
	SourceTime   time.Time
	CapturedTime time.Time
	Category     ContentCategory
	UserTag      string
}

// AuthorDisplay formats the author as "Display Name (@handle)".
func (i CanonicalItem) AuthorDisplay() string {
	name := i.AuthorName
	if name == "" {
		name = "Unknown"
	}
	handle := i.AuthorHandle
	if handle == "" {
		handle = "unknown"
	}
	return name + " (@" + handle + ")"
}

// SyncRecord is created only after a confirmed destination write.
type SyncRecord struct {
	SourceID     string    `json:"source_id"`
	NotionPageID string    `json:"notion_page_id"`
	SyncedAt     time.Time `json:"synced_at"`
}

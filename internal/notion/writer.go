// Package notion maps canonical items onto rows of a single pre-shared
// database. The writer always creates: deduplication is the orchestrator's
// job, and the local state store is authoritative for it.
package notion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"

	"github.com/fieldnotes/clipsync/internal/config"
	"github.com/fieldnotes/clipsync/internal/model"
	"github.com/fieldnotes/clipsync/internal/retry"
)

// Fixed destination columns.
const (
	PropertyTitle          = "Title"
	PropertyContent        = "Content"
	PropertyAuthor         = "Author"
	PropertyURL            = "URL"
	PropertyBookmarkedDate = "Bookmarked Date"
	PropertyTweetDate      = "Tweet Date"
	PropertyType           = "Type"
	PropertyStatus         = "Status"
	PropertyCategory       = "Category"
)

const defaultStatus = "Unread"

const (
	titleBudget   = 100
	richTextChunk = 2000
)

// requiredProperties must exist on the destination database before any write.
var requiredProperties = []string{
	PropertyTitle,
	PropertyContent,
	PropertyAuthor,
	PropertyURL,
	PropertyBookmarkedDate,
	PropertyTweetDate,
	PropertyType,
	PropertyStatus,
}

// ErrValidation signals a destination schema mismatch. Non-retryable: a
// schema problem affects every item in the cycle.
var ErrValidation = errors.New("destination schema mismatch")

type ValidationError struct {
	Missing []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("destination schema mismatch: missing columns %s", strings.Join(e.Missing, ", "))
	}
	return "destination schema mismatch: " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type pageCreator interface {
	Create(ctx context.Context, request *notionapi.PageCreateRequest) (*notionapi.Page, error)
}

type databaseGetter interface {
	Get(ctx context.Context, id notionapi.DatabaseID) (*notionapi.Database, error)
}

// Writer creates destination rows for canonical items.
type Writer struct {
	pages      pageCreator
	databases  databaseGetter
	databaseID notionapi.DatabaseID
}

func NewWriter(cfg config.NotionConfig) *Writer {
	client := notionapi.NewClient(notionapi.Token(cfg.Token))
	return &Writer{
		pages:      client.Page,
		databases:  client.Database,
		databaseID: notionapi.DatabaseID(cfg.DatabaseID),
	}
}

// NewWriterWithServices wires explicit services; used by tests.
func NewWriterWithServices(pages pageCreator, databases databaseGetter, databaseID string) *Writer {
	return &Writer{
		pages:      pages,
		databases:  databases,
		databaseID: notionapi.DatabaseID(databaseID),
	}
}

// ValidateDatabase retrieves the destination database and checks that every
// required column exists. Returns a ValidationError naming the missing ones.
func (w *Writer) ValidateDatabase(ctx context.Context) error {
	db, err := w.databases.Get(ctx, w.databaseID)
	if err != nil {
		return classify(err)
	}
	missing := []string{}
	for _, prop := range requiredProperties {
		if _, ok := db.Properties[prop]; !ok {
			missing = append(missing, prop)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// Upsert creates one destination row and returns its page ID. The caller must
// already have checked the state store; Upsert never re-checks.
func (w *Writer) Upsert(ctx context.Context, item model.CanonicalItem) (string, error) {
	properties := map[string]notionapi.Property{
		PropertyTitle: notionapi.TitleProperty{
			Type:  "title",
			Title: []notionapi.RichText{textBlock(truncateTitle(pageTitle(item)))},
		},
		PropertyContent: notionapi.RichTextProperty{
			Type:     "rich_text",
			RichText: richTextChunks(item.BodyText),
		},
		PropertyAuthor: notionapi.RichTextProperty{
			Type:     "rich_text",
			RichText: []notionapi.RichText{textBlock(item.AuthorDisplay())},
		},
		PropertyURL: notionapi.URLProperty{
			Type: "url",
			URL:  item.URL,
		},
		PropertyType: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(item.Category)},
		},
		PropertyStatus: notionapi.SelectProperty{
			Select: notionapi.Option{Name: defaultStatus},
		},
	}
	if !item.SourceTime.IsZero() {
		date := notionapi.Date(item.SourceTime)
		properties[PropertyTweetDate] = notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &date},
		}
	}
	if !item.CapturedTime.IsZero() {
		date := notionapi.Date(item.CapturedTime)
		properties[PropertyBookmarkedDate] = notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &date},
		}
	}
	if item.UserTag != "" {
		properties[PropertyCategory] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: item.UserTag},
		}
	}

	page, err := w.pages.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       "database_id",
			DatabaseID: w.databaseID,
		},
		Properties: properties,
	})
	if err != nil {
		return "", classify(err)
	}
	return page.ID.String(), nil
}

// classify maps the Notion API's structured errors onto the retry taxonomy.
func classify(err error) error {
	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return &retry.TransientError{Cause: err}
	}
	switch {
	case apiErr.Status == 429 || apiErr.Code == "rate_limited":
		return &retry.RateLimitedError{Cause: apiErr}
	case apiErr.Code == "validation_error" || apiErr.Status == 400:
		return &ValidationError{Message: apiErr.Message}
	case apiErr.Status >= 500:
		return &retry.TransientError{Cause: apiErr}
	default:
		return apiErr
	}
}

func pageTitle(item model.CanonicalItem) string {
	if strings.TrimSpace(item.Title) != "" {
		return item.Title
	}
	if strings.TrimSpace(item.BodyText) != "" {
		return item.BodyText
	}
	return fmt.Sprintf("Tweet from @%s", item.AuthorHandle)
}

// truncateTitle cuts at the title budget, preferring a word boundary when one
// falls in the last third, and marks the cut with an ellipsis.
func truncateTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= titleBudget {
		return text
	}
	truncated := runes[:titleBudget-1]
	if idx := lastSpace(truncated); idx > (titleBudget*7)/10 {
		truncated = truncated[:idx]
	}
	return string(truncated) + "…"
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

// richTextChunks splits content at the per-block character limit of the API.
func richTextChunks(text string) []notionapi.RichText {
	runes := []rune(text)
	if len(runes) == 0 {
		return []notionapi.RichText{textBlock("")}
	}
	blocks := make([]notionapi.RichText, 0, len(runes)/richTextChunk+1)
	for start := 0; start < len(runes); start += richTextChunk {
		end := start + richTextChunk
		if end > len(runes) {
			end = len(runes)
		}
		blocks = append(blocks, textBlock(string(runes[start:end])))
	}
	return blocks
}

func textBlock(content string) notionapi.RichText {
	return notionapi.RichText{
		Type: "text",
		Text: &notionapi.Text{Content: content},
	}
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fieldnotes/clipsync/internal/model"
	"github.com/fieldnotes/clipsync/internal/retry"
)

// Body text longer than a single tweet is treated as long-form even when the
// resolution payload carries no explicit article.
const longFormThreshold = 280

const threadSeparator = "\n\n---\n\n"

// Resolver turns a public content URL into a CanonicalItem using an
// unauthenticated resolution endpoint.
type Resolver struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

type ResolverOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Policy     retry.Policy
}

func NewResolver(opts ResolverOptions) *Resolver {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.fxtwitter.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Resolver{
		baseURL:    baseURL,
		httpClient: httpClient,
		policy:     opts.Policy,
	}
}

type fxResponse struct {
	Code  int     `json:"code"`
	Tweet fxTweet `json:"tweet"`
}

type fxTweet struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"`
	CreatedTimestamp int64      `json:"created_timestamp"`
	Author           fxAuthor   `json:"author"`
	Article          *fxArticle `json:"article,omitempty"`
	Thread           []fxTweet  `json:"thread,omitempty"`
}

type fxAuthor struct {
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

type fxArticle struct {
	Title   string    `json:"title"`
	Content fxContent `json:"content"`
}

type fxContent struct {
	Blocks []fxBlock `json:"blocks"`
}

type fxBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Resolve fetches the content behind url and normalizes it. The tag, when
// non-empty, is attached as the item's user tag.
func (r *Resolver) Resolve(ctx context.Context, url, tag string) (model.CanonicalItem, error) {
	handle, statusID, ok := URLParts(url)
	if !ok {
		return model.CanonicalItem{}, fmt.Errorf("cannot extract status id from url %q", url)
	}

	var payload fxResponse
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		return r.fetch(ctx, fmt.Sprintf("%s/%s/status/%s", r.baseURL, handle, statusID), &payload)
	})
	if err != nil {
		return model.CanonicalItem{}, err
	}

	item := model.CanonicalItem{
		SourceID:     statusID,
		AuthorName:   payload.Tweet.Author.Name,
		AuthorHandle: payload.Tweet.Author.ScreenName,
		URL:          url,
		CapturedTime: time.Now().UTC(),
		UserTag:      tag,
	}
	if payload.Tweet.CreatedTimestamp > 0 {
		item.SourceTime = time.Unix(payload.Tweet.CreatedTimestamp, 0).UTC()
	}

	switch {
	case payload.Tweet.Article != nil:
		item.Category = model.CategoryLongForm
		item.Title = payload.Tweet.Article.Title
		item.BodyText = renderArticle(payload.Tweet.Article)
	case isReplyChain(payload.Tweet):
		item.Category = model.CategoryThread
		item.BodyText = concatThread(payload.Tweet)
		item.Title = firstLine(payload.Tweet.Text)
	case len([]rune(payload.Tweet.Text)) > longFormThreshold:
		item.Category = model.CategoryLongForm
		item.BodyText = payload.Tweet.Text
		item.Title = firstLine(payload.Tweet.Text)
	default:
		item.Category = model.CategoryRegular
		item.BodyText = payload.Tweet.Text
		item.Title = firstLine(payload.Tweet.Text)
	}
	if item.Title == "" {
		item.Title = "Tweet from @" + item.AuthorHandle
	}
	return item, nil
}

func (r *Resolver) fetch(ctx context.Context, url string, out *fxResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &retry.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retry.TransientError{Cause: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retry.RateLimitedError{
			RetryAfter: retryAfterHint(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("content resolution throttled"),
		}
	case resp.StatusCode >= 500:
		return &retry.TransientError{Cause: fmt.Errorf("content resolution failed: status=%d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("content resolution failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// isReplyChain reports whether the payload carries sequential replies from
// the tweet's own author.
func isReplyChain(t fxTweet) bool {
	for _, reply := range t.Thread {
		if reply.Author.ScreenName == t.Author.ScreenName {
			return true
		}
	}
	return false
}

// concatThread joins the root tweet and its same-author replies in
// chronological order. Pagination of replies is best-effort: only what the
// resolution response carries is included.
func concatThread(t fxTweet) string {
	chain := []fxTweet{t}
	for _, reply := range t.Thread {
		if reply.Author.ScreenName == t.Author.ScreenName {
			chain = append(chain, reply)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].CreatedTimestamp < chain[j].CreatedTimestamp
	})
	parts := make([]string, len(chain))
	for i, tweet := range chain {
		parts[i] = tweet.Text
	}
	return strings.Join(parts, threadSeparator)
}

func renderArticle(a *fxArticle) string {
	parts := []string{}
	for _, block := range a.Content.Blocks {
		text := block.Text
		if text == "" {
			continue
		}
		switch block.Type {
		case "header-one":
			parts = append(parts, "# "+text)
		case "header-two":
			parts = append(parts, "## "+text)
		case "header-three":
			parts = append(parts, "### "+text)
		case "unordered-list-item", "ordered-list-item":
			parts = append(parts, "• "+text)
		case "blockquote":
			parts = append(parts, "> "+text)
		default:
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}

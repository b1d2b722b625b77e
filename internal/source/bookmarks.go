package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldnotes/clipsync/internal/config"
	"github.com/fieldnotes/clipsync/internal/model"
	"github.com/fieldnotes/clipsync/internal/retry"
)

// ErrAuthExpired signals that the source credentials are invalid or expired
// and the operator must re-authorize. Distinct from transient failures so
// the orchestrator does not burn retries on it.
var ErrAuthExpired = errors.New("source authorization expired")

// BookmarksClient polls the bookmarks endpoint of the Twitter v2 API with
// bearer-token auth and one-shot refresh-token renewal.
type BookmarksClient struct {
	baseURL    string
	tokenURL   string
	httpClient *http.Client
	policy     retry.Policy

	clientID     string
	clientSecret string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	userID       string
}

type BookmarksOptions struct {
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
	Policy     retry.Policy
}

func NewBookmarksClient(cfg config.TwitterConfig, opts BookmarksOptions) *BookmarksClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twitter.com/2"
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = "https://api.twitter.com/2/oauth2/token"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BookmarksClient{
		baseURL:      baseURL,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		policy:       opts.Policy,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

type tweetData struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	AuthorID         string `json:"author_id"`
	CreatedAt        string `json:"created_at"`
	ConversationID   string `json:"conversation_id"`
	NoteTweet        *struct {
		Text string `json:"text"`
	} `json:"note_tweet,omitempty"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets,omitempty"`
}

type userData struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type bookmarksResponse struct {
	Data     []tweetData `json:"data"`
	Includes struct {
		Users []userData `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// FetchBookmarks returns one page of bookmarked items, newest first, plus the
// pagination token for the next page (empty when exhausted).
func (c *BookmarksClient) FetchBookmarks(ctx context.Context, cursor string) ([]model.CanonicalItem, string, error) {
	userID, err := c.currentUserID(ctx)
	if err != nil {
		return nil, "", err
	}

	params := url.Values{}
	params.Set("max_results", "100")
	params.Set("tweet.fields", "author_id,created_at,text,conversation_id,referenced_tweets,note_tweet")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "name,username")
	if cursor != "" {
		params.Set("pagination_token", cursor)
	}

	var resp bookmarksResponse
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		return c.get(ctx, fmt.Sprintf("/users/%s/bookmarks", userID), params, &resp)
	})
	if err != nil {
		return nil, "", err
	}

	users := make(map[string]userData, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		users[u.ID] = u
	}

	captured := time.Now().UTC()
	items := make([]model.CanonicalItem, 0, len(resp.Data))
	for _, td := range resp.Data {
		item := parseTweet(td, users)
		item.CapturedTime = captured
		if item.Category == model.CategoryThread {
			if thread, err := c.fetchThread(ctx, td.ConversationID, td.AuthorID); err == nil && len(thread) > 0 {
				item.BodyText = joinThreadBodies(item, thread)
			}
		}
		items = append(items, item)
	}
	return items, resp.Meta.NextToken, nil
}

func parseTweet(td tweetData, users map[string]userData) model.CanonicalItem {
	author := users[td.AuthorID]
	handle := author.Username
	if handle == "" {
		handle = "unknown"
	}

	created, err := time.Parse(time.RFC3339, td.CreatedAt)
	if err != nil {
		created = time.Now().UTC()
	}

	text := td.Text
	category := model.CategoryRegular
	switch {
	case td.NoteTweet != nil && td.NoteTweet.Text != "":
		category = model.CategoryLongForm
		text = td.NoteTweet.Text
	case isReply(td):
		category = model.CategoryThread
	case len([]rune(text)) > longFormThreshold:
		category = model.CategoryLongForm
	}

	return model.CanonicalItem{
		SourceID:     td.ID,
		Title:        firstLine(text),
		AuthorName:   author.Name,
		AuthorHandle: handle,
		BodyText:     text,
		URL:          fmt.Sprintf("https://twitter.com/%s/status/%s", handle, td.ID),
		SourceTime:   created,
		Category:     category,
	}
}

func isReply(td tweetData) bool {
	for _, ref := range td.ReferencedTweets {
		if ref.Type == "replied_to" {
			return true
		}
	}
	return false
}

// fetchThread pulls the same-author tweets of a conversation so a bookmarked
// reply can be stored as one chronological body. Best effort: a single page,
// failures fall back to the root text.
func (c *BookmarksClient) fetchThread(ctx context.Context, conversationID, authorID string) ([]tweetData, error) {
	if conversationID == "" || authorID == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("query", fmt.Sprintf("conversation_id:%s from:%s", conversationID, authorID))
	params.Set("tweet.fields", "author_id,created_at,text,conversation_id")
	params.Set("max_results", "100")

	var resp bookmarksResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.get(ctx, "/tweets/search/recent", params, &resp)
	})
	if err != nil {
		return nil, err
	}
	tweets := resp.Data
	sort.SliceStable(tweets, func(i, j int) bool {
		return tweets[i].CreatedAt < tweets[j].CreatedAt
	})
	return tweets, nil
}

func joinThreadBodies(root model.CanonicalItem, thread []tweetData) string {
	parts := []string{}
	rooted := false
	for _, td := range thread {
		if td.ID == root.SourceID {
			rooted = true
		}
		parts = append(parts, td.Text)
	}
	if !rooted {
		parts = append([]string{root.BodyText}, parts...)
	}
	return strings.Join(parts, threadSeparator)
}

// VerifyCredentials confirms the access token works by resolving the
// authenticated user, renewing it once if needed.
func (c *BookmarksClient) VerifyCredentials(ctx context.Context) error {
	_, err := c.currentUserID(ctx)
	return err
}

func (c *BookmarksClient) currentUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.userID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.get(ctx, "/users/me", nil, &resp)
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.userID = resp.Data.ID
	c.mu.Unlock()
	return resp.Data.ID, nil
}

func (c *BookmarksClient) get(ctx context.Context, path string, params url.Values, out any) error {
	body, status, header, err := c.do(ctx, path, params)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// Try one refresh-token renewal before declaring the credentials dead.
		if refreshErr := c.refresh(ctx); refreshErr != nil {
			return fmt.Errorf("%w: %v", ErrAuthExpired, refreshErr)
		}
		body, status, header, err = c.do(ctx, path, params)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return ErrAuthExpired
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &retry.RateLimitedError{
			RetryAfter: rateLimitHint(header),
			Cause:      fmt.Errorf("bookmarks endpoint throttled"),
		}
	case status >= 500:
		return &retry.TransientError{Cause: fmt.Errorf("bookmarks endpoint failed: status=%d", status)}
	case status != http.StatusOK:
		return fmt.Errorf("bookmarks endpoint failed: status=%d body=%s", status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *BookmarksClient) do(ctx context.Context, path string, params url.Values) ([]byte, int, http.Header, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, &retry.TransientError{Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, &retry.TransientError{Cause: err}
	}
	return body, resp.StatusCode, resp.Header, nil
}

// refresh exchanges the refresh token for a new access token.
func (c *BookmarksClient) refresh(ctx context.Context) error {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()
	if refreshToken == "" || c.clientID == "" {
		return errors.New("no refresh token configured")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed: status=%d", resp.StatusCode)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return err
	}
	if token.AccessToken == "" {
		return errors.New("token refresh returned no access token")
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.mu.Unlock()
	return nil
}

// rateLimitHint reads the reset advertised by the service, preferring the
// x-rate-limit-reset epoch over a Retry-After duration.
func rateLimitHint(header http.Header) time.Duration {
	if reset := header.Get("x-rate-limit-reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if wait := time.Until(time.Unix(epoch, 0)); wait > 0 {
				return wait
			}
		}
	}
	return retryAfterHint(header.Get("Retry-After"))
}

func retryAfterHint(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

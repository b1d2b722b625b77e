package source

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoURLFound signals a trigger message with no well-formed content URL.
// The cycle ends cleanly and no state is mutated.
var ErrNoURLFound = errors.New("no url found in message")

var tweetURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://(?:www\.)?twitter\.com/(\w+)/status/(\d+)`),
	regexp.MustCompile(`https?://(?:www\.)?x\.com/(\w+)/status/(\d+)`),
	regexp.MustCompile(`https?://(?:mobile\.)?twitter\.com/(\w+)/status/(\d+)`),
}

var tagCharset = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)

// ParsedMessage is the outcome of parsing one inbound trigger message.
type ParsedMessage struct {
	URL string
	Tag string
}

// ParseMessage extracts the first well-formed content URL and an optional
// free-text tag. The tag may appear before or after the URL, whitespace
// separated; only the first remaining word is used.
func ParseMessage(body string) (ParsedMessage, error) {
	url := extractURL(body)
	if url == "" {
		return ParsedMessage{}, ErrNoURLFound
	}

	tag := ""
	remaining := strings.TrimSpace(strings.Replace(body, url, "", 1))
	if remaining != "" {
		tag = SanitizeTag(strings.Fields(remaining)[0])
	}
	return ParsedMessage{URL: url, Tag: tag}, nil
}

func extractURL(text string) string {
	for _, pattern := range tweetURLPatterns {
		if match := pattern.FindString(text); match != "" {
			return match
		}
	}
	return ""
}

// URLParts pulls the handle and status ID out of a content URL.
func URLParts(url string) (handle, statusID string, ok bool) {
	for _, pattern := range tweetURLPatterns {
		if m := pattern.FindStringSubmatch(url); m != nil {
			return m[1], m[2], true
		}
	}
	return "", "", false
}

// SanitizeTag restricts a user-supplied tag to a safe charset, caps its
// length and capitalizes it so select options stay tidy.
func SanitizeTag(tag string) string {
	tag = tagCharset.ReplaceAllString(tag, "")
	tag = strings.TrimSpace(tag)
	if len(tag) > 50 {
		tag = tag[:50]
	}
	if tag == "" {
		return ""
	}
	return strings.ToUpper(tag[:1]) + strings.ToLower(tag[1:])
}

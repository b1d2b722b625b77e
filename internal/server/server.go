package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldnotes/clipsync/internal/config"
	"github.com/fieldnotes/clipsync/internal/notion"
	"github.com/fieldnotes/clipsync/internal/retry"
	"github.com/fieldnotes/clipsync/internal/source"
	"github.com/fieldnotes/clipsync/internal/state"
	"github.com/fieldnotes/clipsync/internal/syncer"
)

// Server exposes the inbound SMS webhook plus health and metrics endpoints.
type Server struct {
	Syncer *syncer.Syncer

	cfg     config.ServerConfig
	allowed map[string]struct{}
	limiter *rateLimiter
}

func NewServer(cfg config.ServerConfig, sync *syncer.Syncer) *Server {
	allowed := make(map[string]struct{}, len(cfg.AllowedSenders))
	for _, sender := range cfg.AllowedSenders {
		allowed[sender] = struct{}{}
	}
	return &Server{
		Syncer:  sync,
		cfg:     cfg,
		allowed: allowed,
		limiter: newRateLimiter(cfg.RateLimitRequests, time.Duration(cfg.RateLimitWindow)*time.Second),
	}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.POST("/sms", s.HandleSMS)
	r.GET("/health", s.HandleHealth)
	r.GET("/metrics", s.HandleMetrics)

	return r
}

// HandleSMS processes one inbound message synchronously: the sender's
// confirmation only arrives after the cycle has completed and persisted.
func (s *Server) HandleSMS(c *gin.Context) {
	if s.cfg.ValidateSignature && s.cfg.TwilioAuthToken != "" {
		if !validSignature(c.Request, s.cfg.TwilioAuthToken) {
			log.Printf("rejected webhook with invalid signature")
			c.String(http.StatusForbidden, "invalid signature")
			return
		}
	}

	body := c.PostForm("Body")
	from := c.PostForm("From")
	log.Printf("received message from %s", maskSender(from))

	if len(s.allowed) > 0 {
		if _, ok := s.allowed[from]; !ok {
			log.Printf("blocked message from non-allowlisted sender %s", maskSender(from))
			replyTwiML(c, "This service is not available for your number.")
			return
		}
	}
	if !s.limiter.allow(from) {
		log.Printf("rate limit exceeded for sender %s", maskSender(from))
		replyTwiML(c, "Too many requests. Please wait a minute and try again.")
		return
	}

	result, err := s.Syncer.RunMessageCycle(c.Request.Context(), body)
	if err != nil {
		replyTwiML(c, failureMessage(err))
		return
	}

	preview := previewText(result.Item.BodyText)
	if result.Duplicate {
		replyTwiML(c, fmt.Sprintf("Already saved: %s", preview))
		return
	}
	tag := ""
	if result.Item.UserTag != "" {
		tag = " [" + result.Item.UserTag + "]"
	}
	replyTwiML(c, fmt.Sprintf("Saved%s: %s", tag, preview))
}

func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) HandleMetrics(c *gin.Context) {
	totals := s.Syncer.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"cycles_run":           totals.CyclesRun,
		"cycles_halted":        totals.CyclesHalted,
		"items_fetched":        totals.ItemsFetched,
		"items_synced":         totals.ItemsSynced,
		"items_skipped":        totals.ItemsSkipped,
		"rate_limited_senders": s.limiter.size(),
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	})
}

// failureMessage maps the error taxonomy onto sender-facing acknowledgments.
// The sender learns what kind of failure happened, never a raw stack trace.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, source.ErrNoURLFound):
		return "No tweet URL found. Send a tweet link to save it to Notion."
	case errors.Is(err, syncer.ErrQueueFull):
		return "Busy handling another message. Please try again shortly."
	case errors.Is(err, notion.ErrValidation):
		return "The Notion database is misconfigured. Contact the operator."
	case errors.Is(err, state.ErrStateCorrupt):
		return "Sync state needs operator attention. Nothing was saved."
	case errors.Is(err, retry.ErrRetriesExhausted):
		return "Temporary trouble reaching services. Please try again later."
	default:
		return "Couldn't fetch that tweet. It might be private or deleted."
	}
}

func previewText(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return text
}

// maskSender hides all but the last four characters of a sender id.
func maskSender(sender string) string {
	if len(sender) < 4 {
		return "***"
	}
	return "***" + sender[len(sender)-4:]
}

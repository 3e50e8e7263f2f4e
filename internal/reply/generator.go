// Package reply turns an inbound event plus post context into reply text,
// falling back to keyword rules when AI generation is slow or unavailable.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"social-auto-reply-go/internal/aiclient"
	"social-auto-reply-go/internal/metrics"
	"social-auto-reply-go/internal/models"
)

// GenericFallback is the acknowledgement used when generation failed and no
// rule matched. Never empty, so a reply is always available.
const GenericFallback = "شكراً لتواصلك معنا! سنرد عليك في أقرب وقت. Thank you for reaching out, we will get back to you soon."

// imageKeywords classify an inbound text as asking about a picture.
var imageKeywords = []string{
	"صورة", "صوره", "الصورة", "الصوره", "بالصورة", "بالصوره",
	"picture", "photo", "image", "pic",
}

// hashtagTopics derive 2-3 topic hashtags from the inbound and post text.
// First match per topic wins; order fixes the output order.
var hashtagTopics = []struct {
	keywords []string
	tag      string
}{
	{[]string{"سعر", "السعر", "price", "cost", "كم"}, "#أسعار"},
	{[]string{"صورة", "صوره", "picture", "photo", "image"}, "#صور"},
	{[]string{"توصيل", "شحن", "delivery", "shipping"}, "#توصيل"},
	{[]string{"عرض", "عروض", "خصم", "offer", "discount", "sale"}, "#عروض"},
	{[]string{"متوفر", "متاح", "available", "stock"}, "#متوفر"},
	{[]string{"شكرا", "شكراً", "thanks", "thank"}, "#شكراً"},
}

const maxHashtags = 3

// Generator races the AI client against a hard timeout and owns the fallback
// chain. It depends on narrow interfaces so the pipeline can be exercised
// with fakes.
type Generator struct {
	ai         AIClient
	downloader ImageDownloader
	rules      RuleSource
	timeout    time.Duration
	metrics    *metrics.Metrics
}

// AIClient generates text from a prompt and optional inline image.
type AIClient interface {
	Generate(ctx context.Context, prompt string, image []byte, imageMIME string) (string, error)
}

// ImageDownloader fetches image bytes for inline AI input.
type ImageDownloader interface {
	DownloadImage(ctx context.Context, imageURL string) ([]byte, string, error)
}

// RuleSource lists a page's active rules, highest priority first.
type RuleSource interface {
	ActiveRules(pageID string) ([]models.AutoReplyRule, error)
}

// Context is the ephemeral per-event reply input.
type Context struct {
	PageID          string
	InboundText     string
	PostText        string
	CandidateImages []string
}

// Result carries the reply text and whether it came from a fallback.
type Result struct {
	Text     string
	Fallback bool
}

func NewGenerator(ai AIClient, downloader ImageDownloader, rules RuleSource, timeout time.Duration, m *metrics.Metrics) *Generator {
	return &Generator{
		ai:         ai,
		downloader: downloader,
		rules:      rules,
		timeout:    timeout,
		metrics:    m,
	}
}

// IsImageQuestion reports whether the text matches the fixed image keyword set.
func IsImageQuestion(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range imageKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Generate produces the reply for one event. The AI call runs under a hard
// timeout; on timeout, transient error, or empty output the reply falls back
// to the page's highest-priority matching rule, else the generic
// acknowledgement. A permanent provider rejection is returned as an error so
// the event is recorded failed instead of answered with a fallback. The
// returned text always carries 2-3 topic hashtags.
func (g *Generator) Generate(ctx context.Context, rc Context) (Result, error) {
	text, err := g.generateAI(ctx, rc)
	if err != nil {
		var perm *aiclient.PermanentError
		if errors.As(err, &perm) {
			return Result{}, err
		}
	}
	if err != nil || text == "" {
		if err != nil {
			logrus.Warnf("AI generation failed for page %s, falling back: %v", rc.PageID, err)
		}
		if g.metrics != nil {
			g.metrics.FallbackReplies.Inc()
		}
		return Result{Text: appendHashtags(g.fallback(rc), rc), Fallback: true}, nil
	}
	return Result{Text: appendHashtags(stripHashtags(text), rc)}, nil
}

// generateAI builds the prompt and races the provider call against the
// timeout, so the pipeline never stalls on a slow provider.
func (g *Generator) generateAI(ctx context.Context, rc Context) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var image []byte
	var imageMIME string
	if IsImageQuestion(rc.InboundText) && len(rc.CandidateImages) > 0 {
		data, mime, err := g.downloader.DownloadImage(callCtx, rc.CandidateImages[0])
		if err != nil {
			logrus.Debugf("Image download failed, degrading to text prompt: %v", err)
		} else {
			image = data
			imageMIME = mime
		}
	}

	prompt := buildPrompt(rc, len(image) > 0)

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := g.ai.Generate(callCtx, prompt, image, imageMIME)
		done <- outcome{text, err}
	}()

	select {
	case o := <-done:
		return strings.TrimSpace(o.text), o.err
	case <-callCtx.Done():
		return "", fmt.Errorf("ai generation timed out after %v", g.timeout)
	}
}

func buildPrompt(rc Context, hasImage bool) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful page assistant replying to a customer on a social page. ")
	sb.WriteString("Reply briefly and politely in the customer's language. Do not include hashtags.\n")
	if hasImage {
		sb.WriteString("The customer is asking about the attached product image; describe or answer based on it.\n")
	} else if rc.PostText != "" {
		sb.WriteString("Post the customer is responding to: ")
		sb.WriteString(rc.PostText)
		sb.WriteString("\n")
	}
	sb.WriteString("Customer wrote: ")
	sb.WriteString(rc.InboundText)
	return sb.String()
}

// fallback picks the highest-priority active rule whose keywords match the
// inbound text, else the generic acknowledgement.
func (g *Generator) fallback(rc Context) string {
	rules, err := g.rules.ActiveRules(rc.PageID)
	if err != nil {
		logrus.Errorf("Failed to load fallback rules for page %s: %v", rc.PageID, err)
		return GenericFallback
	}

	lower := strings.ToLower(rc.InboundText)
	for _, rule := range rules {
		for _, kw := range rule.KeywordList() {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return rule.ReplyText
			}
		}
	}
	return GenericFallback
}

// stripHashtags removes hashtags the model produced despite instructions,
// collapsing any whitespace left behind.
func stripHashtags(text string) string {
	fields := strings.Fields(text)
	var kept []string
	for _, f := range fields {
		if strings.HasPrefix(f, "#") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// appendHashtags adds topic hashtags matched independently over the inbound
// and post text. Always at least two tags: topic matches first, padded from
// the front of the topic list.
func appendHashtags(text string, rc Context) string {
	haystack := strings.ToLower(rc.InboundText + " " + rc.PostText)

	var tags []string
	seen := make(map[string]bool)
	for _, topic := range hashtagTopics {
		if len(tags) == maxHashtags {
			break
		}
		for _, kw := range topic.keywords {
			if strings.Contains(haystack, kw) {
				if !seen[topic.tag] {
					seen[topic.tag] = true
					tags = append(tags, topic.tag)
				}
				break
			}
		}
	}
	for _, topic := range hashtagTopics {
		if len(tags) >= 2 {
			break
		}
		if !seen[topic.tag] {
			seen[topic.tag] = true
			tags = append(tags, topic.tag)
		}
	}

	return strings.TrimSpace(text) + "\n" + strings.Join(tags, " ")
}

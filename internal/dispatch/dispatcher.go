// Package dispatch verifies, parses, deduplicates and routes inbound webhook
// deliveries through the reply pipeline.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"social-auto-reply-go/internal/graph"
	"social-auto-reply-go/internal/models"
	"social-auto-reply-go/internal/reply"

	"social-auto-reply-go/internal/metrics"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	SaveWebhookLog(log *models.WebhookLog) error
	MarkWebhookLogProcessed(id string) error
	RecordWebhookLogError(id string, errMsg string) error
	UnprocessedWebhookLogs(limit int) ([]models.WebhookLog, error)
	InsertEvent(event *models.Event) (bool, error)
	ClaimPendingEvent(platformID string, grace time.Duration) (bool, error)
	MarkEventSuccess(platformID, replyText string) error
	MarkEventFailed(platformID, errMsg string) error
	ActivePages() ([]models.Page, error)
	PageByID(pageID string) (*models.Page, error)
}

// PlatformAPI is the slice of the Graph client the dispatcher uses.
type PlatformAPI interface {
	FetchPost(ctx context.Context, postID, accessToken string) (*graph.Post, error)
	ResolveParentPost(ctx context.Context, commentID, accessToken string) (string, error)
	ReplyToComment(ctx context.Context, commentID, message, attachmentURL, accessToken string) error
	SendMessage(ctx context.Context, recipientID, text, accessToken string) error
	LikeComment(ctx context.Context, commentID, accessToken string) error
	RecentPosts(ctx context.Context, pageID, accessToken string, limit int) ([]string, error)
	PostComments(ctx context.Context, postID, accessToken string) ([]graph.Comment, error)
}

// ImageResolver merges embedded photo links with post image discovery.
type ImageResolver interface {
	Resolve(ctx context.Context, post *graph.Post, accessToken string, texts ...string) []string
}

// Replier produces reply text for an event context. A returned error means no
// reply may be sent at all (a permanent provider rejection); fallbacks are
// handled inside the replier.
type Replier interface {
	Generate(ctx context.Context, rc reply.Context) (reply.Result, error)
}

// stalePendingGrace separates an in-flight pending record from a stalled one.
// A redelivery younger than this is a concurrent duplicate; older means the
// first attempt died before delivering and the event may be claimed again.
const stalePendingGrace = 5 * time.Minute

// Dispatcher runs the webhook-to-reply pipeline.
type Dispatcher struct {
	store           Store
	platform        PlatformAPI
	images          ImageResolver
	replier         Replier
	metrics         *metrics.Metrics
	repollPostLimit int
}

func NewDispatcher(store Store, platform PlatformAPI, images ImageResolver, replier Replier, m *metrics.Metrics, repollPostLimit int) *Dispatcher {
	if repollPostLimit <= 0 {
		repollPostLimit = 5
	}
	return &Dispatcher{
		store:           store,
		platform:        platform,
		images:          images,
		replier:         replier,
		metrics:         m,
		repollPostLimit: repollPostLimit,
	}
}

// Receive persists the raw payload and returns the stored log. It never
// dispatches; the caller acknowledges the webhook first and hands Dispatch
// to a background runner. Persisting is independent of dispatch outcome.
func (d *Dispatcher) Receive(pageID string, body []byte) (*models.WebhookLog, error) {
	log := &models.WebhookLog{
		ID:         uuid.NewString(),
		PageID:     pageID,
		RawPayload: string(body),
		CreatedAt:  time.Now(),
	}
	if err := d.store.SaveWebhookLog(log); err != nil {
		return nil, err
	}
	return log, nil
}

// Dispatch parses a stored payload and processes every entry sequentially,
// preserving platform-observed ordering. A parse failure of one entry never
// aborts its siblings. The log is marked processed only when every entry
// dispatched cleanly; otherwise the error is recorded and the log stays
// eligible for reprocessing.
func (d *Dispatcher) Dispatch(ctx context.Context, log *models.WebhookLog) error {
	env, err := ParseEnvelope([]byte(log.RawPayload))
	if err != nil {
		d.recordLogError(log.ID, err)
		return err
	}

	var firstErr error
	for _, entry := range env.Entries {
		if err := d.dispatchEntry(ctx, entry); err != nil {
			logrus.Errorf("Failed to dispatch entry for page %s: %v", entry.PageID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		d.recordLogError(log.ID, firstErr)
		return firstErr
	}
	if err := d.store.MarkWebhookLogProcessed(log.ID); err != nil {
		logrus.Errorf("Failed to mark webhook log %s processed: %v", log.ID, err)
	}
	return nil
}

func (d *Dispatcher) recordLogError(logID string, cause error) {
	if err := d.store.RecordWebhookLogError(logID, cause.Error()); err != nil {
		logrus.Errorf("Failed to record webhook log error: %v", err)
	}
}

func (d *Dispatcher) dispatchEntry(ctx context.Context, entry Entry) error {
	// A degraded entry names changed fields without any detail; the entry's
	// own page id cannot be trusted to scope the loss, so every active page
	// is re-polled. Runs before the page lookup on purpose: an unknown page
	// id must not suppress the re-poll.
	if entry.Kind == EntryDegraded {
		logrus.Infof("Degraded envelope (page %s, fields %v), re-polling all active pages", entry.PageID, entry.Fields)
		return d.RepollAllPages(ctx)
	}

	page, err := d.store.PageByID(entry.PageID)
	if err != nil {
		return err
	}
	if page == nil {
		logrus.Warnf("Skipping entry for unknown or inactive page %s", entry.PageID)
		return nil
	}

	switch entry.Kind {
	case EntryMessaging:
		for _, msg := range entry.Messages {
			d.processMessage(ctx, page, msg)
		}
	case EntryChanges:
		for _, comment := range entry.Comments {
			d.processComment(ctx, page, comment)
		}
	}
	return nil
}

// processMessage handles one direct message end to end. Each event resolves
// to exactly one terminal status; errors are recorded, never returned, so a
// bad event cannot block later events in the same entry.
func (d *Dispatcher) processMessage(ctx context.Context, page *models.Page, msg InboundMessage) {
	if msg.SenderID == page.PageID {
		return // the page's own outbound messages echo back through the webhook
	}

	created, err := d.store.InsertEvent(&models.Event{
		PlatformID: msg.MessageID,
		Kind:       models.EventKindMessage,
		PageID:     page.PageID,
		MessageID:  msg.MessageID,
		AuthorID:   msg.SenderID,
		AuthorName: msg.SenderName,
		Text:       msg.Text,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		logrus.Errorf("Failed to insert message event %s: %v", msg.MessageID, err)
		return
	}
	if created {
		d.countReceived()
	} else if !d.resumeStalled(msg.MessageID) {
		return
	}

	start := time.Now()
	result, err := d.replier.Generate(ctx, reply.Context{
		PageID:      page.PageID,
		InboundText: msg.Text,
	})
	if err != nil {
		d.fail(msg.MessageID, err)
		return
	}

	if err := d.platform.SendMessage(ctx, msg.SenderID, result.Text, page.AccessToken); err != nil {
		d.fail(msg.MessageID, err)
		return
	}
	d.succeed(msg.MessageID, result.Text, start)
}

// processComment handles one comment end to end: resolve the parent post,
// gather context, generate, deliver, record. Resolution failures degrade to
// a text-only context; only delivery failures are terminal.
func (d *Dispatcher) processComment(ctx context.Context, page *models.Page, comment InboundComment) {
	if comment.AuthorID == page.PageID {
		return // never reply to the page's own comments
	}
	if comment.Verb == "remove" {
		return
	}

	created, err := d.store.InsertEvent(&models.Event{
		PlatformID: comment.CommentID,
		Kind:       models.EventKindComment,
		PageID:     page.PageID,
		PostID:     comment.PostID,
		CommentID:  comment.CommentID,
		AuthorID:   comment.AuthorID,
		AuthorName: comment.AuthorName,
		Text:       comment.Text,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		logrus.Errorf("Failed to insert comment event %s: %v", comment.CommentID, err)
		return
	}
	if created {
		d.countReceived()
	} else if !d.resumeStalled(comment.CommentID) {
		return
	}

	start := time.Now()
	rc := d.buildReplyContext(ctx, page, comment)
	result, err := d.replier.Generate(ctx, rc)
	if err != nil {
		d.fail(comment.CommentID, err)
		return
	}

	var attachmentURL string
	if len(rc.CandidateImages) > 0 && reply.IsImageQuestion(comment.Text) {
		attachmentURL = rc.CandidateImages[0]
	}

	if err := d.platform.ReplyToComment(ctx, comment.CommentID, result.Text, attachmentURL, page.AccessToken); err != nil {
		d.fail(comment.CommentID, err)
		return
	}

	if err := d.platform.LikeComment(ctx, comment.CommentID, page.AccessToken); err != nil {
		logrus.Debugf("Failed to like comment %s: %v", comment.CommentID, err)
	}
	d.succeed(comment.CommentID, result.Text, start)
}

// buildReplyContext assembles post text and candidate images. Every step is
// best-effort: a missing parent post or failed fetch yields a degraded,
// text-only context rather than aborting the event.
func (d *Dispatcher) buildReplyContext(ctx context.Context, page *models.Page, comment InboundComment) reply.Context {
	rc := reply.Context{
		PageID:      page.PageID,
		InboundText: comment.Text,
	}

	postID := comment.PostID
	if postID == "" {
		resolved, err := d.platform.ResolveParentPost(ctx, comment.CommentID, page.AccessToken)
		if err != nil {
			logrus.Warnf("Failed to resolve parent post for comment %s: %v", comment.CommentID, err)
		}
		postID = resolved
	}
	if postID == "" {
		return rc
	}

	post, err := d.platform.FetchPost(ctx, postID, page.AccessToken)
	if err != nil {
		logrus.Warnf("Failed to fetch post %s: %v", postID, err)
		rc.CandidateImages = d.images.Resolve(ctx, nil, page.AccessToken, comment.Text)
		return rc
	}

	rc.PostText = post.Message
	rc.CandidateImages = d.images.Resolve(ctx, post, page.AccessToken, comment.Text, post.Message)
	return rc
}

// repollPage actively re-reads recent posts and their comments for a page.
// Dedup makes this safe: a comment already seen upserts to a no-op.
func (d *Dispatcher) repollPage(ctx context.Context, page *models.Page) error {
	postIDs, err := d.platform.RecentPosts(ctx, page.PageID, page.AccessToken, d.repollPostLimit)
	if err != nil {
		return fmt.Errorf("failed to re-poll posts for page %s: %w", page.PageID, err)
	}

	for _, postID := range postIDs {
		comments, err := d.platform.PostComments(ctx, postID, page.AccessToken)
		if err != nil {
			logrus.Warnf("Failed to list comments for post %s: %v", postID, err)
			continue
		}
		for _, c := range comments {
			d.processComment(ctx, page, InboundComment{
				CommentID:  c.ID,
				PostID:     c.PostID,
				AuthorID:   c.AuthorID,
				AuthorName: c.AuthorName,
				Text:       c.Message,
			})
		}
	}
	return nil
}

// RepollAllPages re-polls every active page. This is the recovery path for
// degraded envelopes: the payload carries no detail, so recent activity is
// re-read everywhere and dedup suppresses what was already handled.
func (d *Dispatcher) RepollAllPages(ctx context.Context) error {
	pages, err := d.store.ActivePages()
	if err != nil {
		return err
	}
	var firstErr error
	for i := range pages {
		if err := d.repollPage(ctx, &pages[i]); err != nil {
			logrus.Errorf("Re-poll failed for page %s: %v", pages[i].PageID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Reprocess re-runs dispatch for stored payloads not yet marked processed.
// Each log is marked processed on success or keeps its recorded error and
// stays eligible for the next pass.
func (d *Dispatcher) Reprocess(ctx context.Context, batchSize int) (int, error) {
	logs, err := d.store.UnprocessedWebhookLogs(batchSize)
	if err != nil {
		return 0, err
	}

	reprocessed := 0
	for i := range logs {
		if err := d.Dispatch(ctx, &logs[i]); err != nil {
			logrus.Warnf("Reprocessing webhook log %s failed: %v", logs[i].ID, err)
			continue
		}
		reprocessed++
	}
	return reprocessed, nil
}

func (d *Dispatcher) countReceived() {
	if d.metrics != nil {
		d.metrics.EventsReceived.Inc()
	}
}

// resumeStalled decides what a redelivered platform id means. An event already
// in a terminal state, or one whose pending record is fresh (an attempt is in
// flight right now), is a duplicate and is skipped. A pending record older
// than the grace window is a stalled attempt: claiming it atomically lets
// exactly one caller finish the pipeline for it.
func (d *Dispatcher) resumeStalled(platformID string) bool {
	claimed, err := d.store.ClaimPendingEvent(platformID, stalePendingGrace)
	if err != nil {
		logrus.Errorf("Failed to claim pending event %s: %v", platformID, err)
		return false
	}
	if !claimed {
		d.countDuplicate(platformID)
		return false
	}
	logrus.Warnf("Resuming stalled pending event %s", platformID)
	return true
}

func (d *Dispatcher) countDuplicate(platformID string) {
	logrus.Debugf("Duplicate delivery for %s, skipping", platformID)
	if d.metrics != nil {
		d.metrics.EventsDuplicate.Inc()
	}
}

// succeed marks the record only after the reply is delivered, so a record
// can never claim success for an undelivered reply.
func (d *Dispatcher) succeed(platformID, replyText string, start time.Time) {
	if err := d.store.MarkEventSuccess(platformID, replyText); err != nil {
		logrus.Errorf("Failed to mark event %s success: %v", platformID, err)
	}
	if d.metrics != nil {
		d.metrics.RepliesSent.Inc()
		d.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}
}

func (d *Dispatcher) fail(platformID string, cause error) {
	logrus.Errorf("Event %s failed: %v", platformID, cause)
	if err := d.store.MarkEventFailed(platformID, cause.Error()); err != nil {
		logrus.Errorf("Failed to mark event %s failed: %v", platformID, err)
	}
	if d.metrics != nil {
		d.metrics.RepliesFailed.Inc()
	}
}

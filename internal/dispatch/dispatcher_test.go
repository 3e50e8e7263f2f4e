package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-auto-reply-go/internal/graph"
	"social-auto-reply-go/internal/models"
	"social-auto-reply-go/internal/reply"
)

// fakeStore is an in-memory Store with the same upsert semantics as the
// real repository.
type fakeStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	logs   map[string]*models.WebhookLog
	pages  map[string]*models.Page
}

func newFakeStore(pages ...*models.Page) *fakeStore {
	s := &fakeStore{
		events: make(map[string]*models.Event),
		logs:   make(map[string]*models.WebhookLog),
		pages:  make(map[string]*models.Page),
	}
	for _, p := range pages {
		s.pages[p.PageID] = p
	}
	return s
}

func (s *fakeStore) SaveWebhookLog(log *models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.ID] = log
	return nil
}

func (s *fakeStore) MarkWebhookLogProcessed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.logs[id]; ok {
		log.Processed = true
		log.ErrorMessage = ""
	}
	return nil
}

func (s *fakeStore) RecordWebhookLogError(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.logs[id]; ok {
		log.ErrorMessage = errMsg
	}
	return nil
}

func (s *fakeStore) UnprocessedWebhookLogs(limit int) ([]models.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookLog
	for _, log := range s.logs {
		if !log.Processed && len(out) < limit {
			out = append(out, *log)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertEvent(event *models.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.PlatformID]; exists {
		return false, nil
	}
	event.Status = models.StatusPending
	event.UpdatedAt = time.Now()
	s.events[event.PlatformID] = event
	return true, nil
}

func (s *fakeStore) ClaimPendingEvent(platformID string, grace time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[platformID]
	if !ok || e.Status != models.StatusPending || time.Since(e.UpdatedAt) < grace {
		return false, nil
	}
	e.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeStore) MarkEventSuccess(platformID, replyText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[platformID]; ok && e.Status == models.StatusPending {
		e.Status = models.StatusSuccess
		e.ReplyText = replyText
	}
	return nil
}

func (s *fakeStore) MarkEventFailed(platformID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[platformID]; ok && e.Status == models.StatusPending {
		e.Status = models.StatusFailed
		e.ErrorMessage = errMsg
	}
	return nil
}

func (s *fakeStore) ActivePages() ([]models.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Page
	for _, p := range s.pages {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) PageByID(pageID string) (*models.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[pageID]
	if !ok || !p.IsActive {
		return nil, nil
	}
	return p, nil
}

func (s *fakeStore) event(platformID string) *models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[platformID]
}

// fakePlatform records deliveries and serves canned posts/comments.
type fakePlatform struct {
	mu             sync.Mutex
	commentReplies []string
	messagesSent   []string
	likes          []string
	failComment    error
	posts          map[string]*graph.Post
	recentPosts    map[string][]string
	comments       map[string][]graph.Comment
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		posts:       make(map[string]*graph.Post),
		recentPosts: make(map[string][]string),
		comments:    make(map[string][]graph.Comment),
	}
}

func (p *fakePlatform) FetchPost(ctx context.Context, postID, token string) (*graph.Post, error) {
	if post, ok := p.posts[postID]; ok {
		return post, nil
	}
	return nil, fmt.Errorf("post %s not found", postID)
}

func (p *fakePlatform) ResolveParentPost(ctx context.Context, commentID, token string) (string, error) {
	return "", nil
}

func (p *fakePlatform) ReplyToComment(ctx context.Context, commentID, message, attachmentURL, token string) error {
	if p.failComment != nil {
		return p.failComment
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commentReplies = append(p.commentReplies, commentID)
	return nil
}

func (p *fakePlatform) SendMessage(ctx context.Context, recipientID, text, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messagesSent = append(p.messagesSent, recipientID)
	return nil
}

func (p *fakePlatform) LikeComment(ctx context.Context, commentID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.likes = append(p.likes, commentID)
	return nil
}

func (p *fakePlatform) RecentPosts(ctx context.Context, pageID, token string, limit int) ([]string, error) {
	return p.recentPosts[pageID], nil
}

func (p *fakePlatform) PostComments(ctx context.Context, postID, token string) ([]graph.Comment, error) {
	return p.comments[postID], nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, post *graph.Post, token string, texts ...string) []string {
	if post != nil {
		return post.Images
	}
	return nil
}

type fakeReplier struct {
	err error
}

func (f fakeReplier) Generate(ctx context.Context, rc reply.Context) (reply.Result, error) {
	if f.err != nil {
		return reply.Result{}, f.err
	}
	return reply.Result{Text: "thanks for asking"}, nil
}

func testPage() *models.Page {
	return &models.Page{PageID: "page1", PageName: "Test Page", AccessToken: "tok", IsActive: true}
}

func newTestDispatcher(store *fakeStore, platform *fakePlatform) *Dispatcher {
	return NewDispatcher(store, platform, fakeResolver{}, fakeReplier{}, nil, 5)
}

func commentPayload(commentID string) string {
	return fmt.Sprintf(`{
		"object": "page",
		"entry": [{
			"id": "page1",
			"changes": [{
				"field": "feed",
				"value": {"item": "comment", "verb": "add", "comment_id": %q, "post_id": "p1",
					"message": "how much?", "from": {"id": "u1", "name": "User"}}
			}]
		}]
	}`, commentID)
}

func receiveAndDispatch(t *testing.T, d *Dispatcher, payload string) *models.WebhookLog {
	t.Helper()
	log, err := d.Receive("page1", []byte(payload))
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), log))
	return log
}

func TestDispatchCommentEndToEnd(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1", Message: "our new product"}
	d := newTestDispatcher(store, platform)

	log := receiveAndDispatch(t, d, commentPayload("c1"))

	assert.True(t, store.logs[log.ID].Processed)
	event := store.event("c1")
	require.NotNil(t, event)
	assert.Equal(t, models.StatusSuccess, event.Status)
	assert.Equal(t, "thanks for asking", event.ReplyText)
	assert.Equal(t, []string{"c1"}, platform.commentReplies)
	assert.Equal(t, []string{"c1"}, platform.likes)
}

func TestDispatchIdempotence(t *testing.T) {
	// The same payload delivered twice yields exactly one reply and the
	// record converges to the same terminal status.
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	d := newTestDispatcher(store, platform)

	receiveAndDispatch(t, d, commentPayload("c100"))
	receiveAndDispatch(t, d, commentPayload("c100"))

	assert.Len(t, platform.commentReplies, 1, "redelivery must not produce a second reply")
	assert.Equal(t, models.StatusSuccess, store.event("c100").Status)
}

func TestDispatchConcurrentDuplicates(t *testing.T) {
	// Two identical deliveries processed concurrently: exactly one event
	// row, exactly one reply posted.
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	d := newTestDispatcher(store, platform)

	log1, err := d.Receive("page1", []byte(commentPayload("c100")))
	require.NoError(t, err)
	log2, err := d.Receive("page1", []byte(commentPayload("c100")))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, log := range []*models.WebhookLog{log1, log2} {
		wg.Add(1)
		go func(l *models.WebhookLog) {
			defer wg.Done()
			d.Dispatch(context.Background(), l)
		}(log)
	}
	wg.Wait()

	assert.Len(t, platform.commentReplies, 1)
	require.NotNil(t, store.event("c100"))
	assert.Equal(t, models.StatusSuccess, store.event("c100").Status)
}

func TestDispatchDeliveryFailure(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	platform.failComment = &graph.DeliveryError{Target: "c1", Cause: fmt.Errorf("boom")}
	d := newTestDispatcher(store, platform)

	receiveAndDispatch(t, d, commentPayload("c1"))

	event := store.event("c1")
	require.NotNil(t, event)
	assert.Equal(t, models.StatusFailed, event.Status)
	assert.Contains(t, event.ErrorMessage, "boom")
	assert.Empty(t, platform.likes)
}

func TestDispatchSkipsOwnComments(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	d := newTestDispatcher(store, platform)

	payload := `{
		"object": "page",
		"entry": [{
			"id": "page1",
			"changes": [{"field": "feed", "value": {"comment_id": "c1", "post_id": "p1",
				"message": "reply from the page itself", "from": {"id": "page1", "name": "Test Page"}}}]
		}]
	}`
	receiveAndDispatch(t, d, payload)

	assert.Nil(t, store.event("c1"))
	assert.Empty(t, platform.commentReplies)
}

func TestDispatchMessage(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	d := newTestDispatcher(store, platform)

	payload := `{
		"object": "page",
		"entry": [{
			"id": "page1",
			"messaging": [{"sender": {"id": "u5"}, "message": {"mid": "m7", "text": "hello"}}]
		}]
	}`
	receiveAndDispatch(t, d, payload)

	event := store.event("m7")
	require.NotNil(t, event)
	assert.Equal(t, models.EventKindMessage, event.Kind)
	assert.Equal(t, models.StatusSuccess, event.Status)
	assert.Equal(t, []string{"u5"}, platform.messagesSent)
}

func TestDegradedEnvelopeTriggersRepoll(t *testing.T) {
	// A changed-fields-only envelope forces an active re-poll; every newly
	// discovered comment yields exactly one processing record.
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.recentPosts["page1"] = []string{"p1"}
	platform.posts["p1"] = &graph.Post{ID: "p1", Message: "promo"}
	platform.comments["p1"] = []graph.Comment{
		{ID: "c10", PostID: "p1", AuthorID: "u1", AuthorName: "A", Message: "interested"},
		{ID: "c11", PostID: "p1", AuthorID: "page1", AuthorName: "Test Page", Message: "own comment"},
	}
	d := newTestDispatcher(store, platform)

	payload := `{"object": "page", "entry": [{"id": "page1", "changed_fields": ["feed"]}]}`
	receiveAndDispatch(t, d, payload)

	require.NotNil(t, store.event("c10"))
	assert.Equal(t, models.StatusSuccess, store.event("c10").Status)
	assert.Nil(t, store.event("c11"), "page's own comments are not processed")
	assert.Equal(t, []string{"c10"}, platform.commentReplies)

	// A second degraded delivery re-polls again but dedup suppresses replies.
	receiveAndDispatch(t, d, payload)
	assert.Len(t, platform.commentReplies, 1)
}

func TestDegradedEnvelopeRepollsEveryActivePage(t *testing.T) {
	// The degraded payload names one page, but the loss it signals is not
	// scoped to it: activity on every active page must be re-read.
	page2 := &models.Page{PageID: "page2", PageName: "Second Page", AccessToken: "tok2", IsActive: true}
	store := newFakeStore(testPage(), page2)
	platform := newFakePlatform()
	platform.recentPosts["page2"] = []string{"p2"}
	platform.posts["p2"] = &graph.Post{ID: "p2", Message: "other promo"}
	platform.comments["p2"] = []graph.Comment{
		{ID: "c200", PostID: "p2", AuthorID: "u3", AuthorName: "C", Message: "still available?"},
	}
	d := newTestDispatcher(store, platform)

	payload := `{"object": "page", "entry": [{"id": "page1", "changed_fields": ["feed"]}]}`
	receiveAndDispatch(t, d, payload)

	require.NotNil(t, store.event("c200"), "comment on the other page must be discovered")
	assert.Equal(t, models.StatusSuccess, store.event("c200").Status)
	assert.Equal(t, []string{"c200"}, platform.commentReplies)
}

func TestDegradedEnvelopeUnknownPageStillRepolls(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.recentPosts["page1"] = []string{"p1"}
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	platform.comments["p1"] = []graph.Comment{
		{ID: "c77", PostID: "p1", AuthorID: "u1", AuthorName: "A", Message: "hi"},
	}
	d := newTestDispatcher(store, platform)

	payload := `{"object": "page", "entry": [{"id": "gone-page", "changed_fields": ["feed"]}]}`
	receiveAndDispatch(t, d, payload)

	require.NotNil(t, store.event("c77"))
	assert.Equal(t, []string{"c77"}, platform.commentReplies)
}

func TestDispatchUnknownPageSkipped(t *testing.T) {
	store := newFakeStore() // no pages
	platform := newFakePlatform()
	d := newTestDispatcher(store, platform)

	log := receiveAndDispatch(t, d, commentPayload("c1"))

	assert.True(t, store.logs[log.ID].Processed)
	assert.Nil(t, store.event("c1"))
}

func TestReprocess(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	d := newTestDispatcher(store, platform)

	// Store a payload without dispatching it, as if processing stalled.
	log, err := d.Receive("page1", []byte(commentPayload("c42")))
	require.NoError(t, err)
	assert.False(t, store.logs[log.ID].Processed)

	count, err := d.Reprocess(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, store.logs[log.ID].Processed)
	assert.Equal(t, models.StatusSuccess, store.event("c42").Status)
}

func TestReprocessResumesStalledPending(t *testing.T) {
	// A pending record left behind by a crashed attempt must not be treated
	// as done: reprocessing the stored payload claims it and finishes the
	// pipeline instead of skipping it as a duplicate.
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	d := newTestDispatcher(store, platform)

	log, err := d.Receive("page1", []byte(commentPayload("c42")))
	require.NoError(t, err)
	store.events["c42"] = &models.Event{
		PlatformID: "c42",
		Kind:       models.EventKindComment,
		PageID:     "page1",
		CommentID:  "c42",
		Status:     models.StatusPending,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}

	count, err := d.Reprocess(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, store.logs[log.ID].Processed)
	assert.Equal(t, models.StatusSuccess, store.event("c42").Status)
	assert.Equal(t, []string{"c42"}, platform.commentReplies)
}

func TestFreshPendingRedeliveryNotResumed(t *testing.T) {
	// A pending record younger than the grace window is an in-flight
	// attempt; redelivery must not produce a second reply for it.
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	d := newTestDispatcher(store, platform)

	store.events["c43"] = &models.Event{
		PlatformID: "c43",
		Status:     models.StatusPending,
		UpdatedAt:  time.Now(),
	}

	receiveAndDispatch(t, d, commentPayload("c43"))

	assert.Empty(t, platform.commentReplies)
	assert.Equal(t, models.StatusPending, store.event("c43").Status)
}

func TestGenerationErrorMarksFailed(t *testing.T) {
	store := newFakeStore(testPage())
	platform := newFakePlatform()
	platform.posts["p1"] = &graph.Post{ID: "p1"}
	d := NewDispatcher(store, platform, fakeResolver{},
		fakeReplier{err: fmt.Errorf("provider rejected request: status=403")}, nil, 5)

	receiveAndDispatch(t, d, commentPayload("c1"))

	event := store.event("c1")
	require.NotNil(t, event)
	assert.Equal(t, models.StatusFailed, event.Status)
	assert.Contains(t, event.ErrorMessage, "status=403")
	assert.Empty(t, platform.commentReplies, "no fallback may be delivered for a rejected generation")
}

func TestRunnerSupervision(t *testing.T) {
	runner := NewRunner()

	done := make(chan struct{})
	runner.Go("panics", func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never finished")
	}
	runner.Wait()
}

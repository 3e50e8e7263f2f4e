// Package graph is a typed wrapper over the platform's Graph API.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"social-auto-reply-go/internal/metrics"
)

// DeliveryError means a reply was generated but could not be posted, even
// after falling back from attachment to text-only.
type DeliveryError struct {
	Target string
	Cause  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver reply to %s: %v", e.Target, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Post is the detail fetched for a post: its text and every image the
// platform exposes for it, in discovery order.
type Post struct {
	ID      string
	Message string
	Images  []string
}

// Comment is a comment discovered during a re-poll.
type Comment struct {
	ID         string
	PostID     string
	AuthorID   string
	AuthorName string
	Message    string
}

// Client talks to the Graph API with a page access token per call.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient creates a new Graph API client.
func NewClient(baseURL, apiVersion string, timeout time.Duration, m *metrics.Metrics) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
	}
}

func (c *Client) objectURL(id string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, id)
}

// get performs a GET against an object with the given query values.
func (c *Client) get(ctx context.Context, id string, values url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(id)+"?"+values.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read graph response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("graph api error: status=%d body=%s", resp.StatusCode, truncate(string(body), 512))
	}
	return json.Unmarshal(body, out)
}

// postForm performs a POST with form-encoded values.
func (c *Client) postForm(ctx context.Context, path string, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, path),
		strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph api error: status=%d body=%s", resp.StatusCode, truncate(string(body), 512))
	}
	return nil
}

// postDetail mirrors the fields the platform populates inconsistently
// depending on how the post was authored.
type postDetail struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	FullPicture string `json:"full_picture"`
	ObjectID    string `json:"object_id"`
	Attachments struct {
		Data []attachment `json:"data"`
	} `json:"attachments"`
	Photos struct {
		Data []struct {
			Images []struct {
				Source string `json:"source"`
			} `json:"images"`
		} `json:"data"`
	} `json:"photos"`
}

type attachment struct {
	Media struct {
		Image struct {
			Src string `json:"src"`
		} `json:"image"`
	} `json:"media"`
	Subattachments struct {
		Data []attachment `json:"data"`
	} `json:"subattachments"`
}

// FetchPost fetches a post's text and every reachable image. Discovery order
// is fixed: full_picture, attachment media, sub-attachments, photo listing,
// object-id photo-node re-fetch, then the dedicated attachments endpoint.
// Later layers only run when the earlier ones produced nothing.
func (c *Client) FetchPost(ctx context.Context, postID, accessToken string) (*Post, error) {
	values := url.Values{}
	values.Set("fields", "message,full_picture,object_id,attachments{media,subattachments},photos{images}")
	values.Set("access_token", accessToken)

	var detail postDetail
	if err := c.get(ctx, postID, values, &detail); err != nil {
		return nil, err
	}

	post := &Post{ID: postID, Message: detail.Message}

	if detail.FullPicture != "" {
		post.Images = append(post.Images, detail.FullPicture)
	}
	for _, att := range detail.Attachments.Data {
		if src := att.Media.Image.Src; src != "" {
			post.Images = append(post.Images, src)
		}
		for _, sub := range att.Subattachments.Data {
			if src := sub.Media.Image.Src; src != "" {
				post.Images = append(post.Images, src)
			}
		}
	}
	for _, photo := range detail.Photos.Data {
		for _, img := range photo.Images {
			if img.Source != "" {
				post.Images = append(post.Images, img.Source)
			}
		}
	}

	if len(post.Images) == 0 && detail.ObjectID != "" {
		if src, err := c.FetchPhotoSource(ctx, detail.ObjectID, accessToken); err == nil && src != "" {
			post.Images = append(post.Images, src)
		} else if err != nil {
			logrus.Debugf("Object-id photo fallback failed for post %s: %v", postID, err)
		}
	}

	if len(post.Images) == 0 {
		imgs, err := c.fetchAttachmentsEndpoint(ctx, postID, accessToken)
		if err != nil {
			logrus.Debugf("Attachments endpoint fallback failed for post %s: %v", postID, err)
		}
		post.Images = append(post.Images, imgs...)
	}

	post.Images = dedupe(post.Images)
	return post, nil
}

// FetchPhotoSource fetches a photo node and returns its largest source URL.
func (c *Client) FetchPhotoSource(ctx context.Context, photoID, accessToken string) (string, error) {
	values := url.Values{}
	values.Set("fields", "images,source")
	values.Set("access_token", accessToken)

	var photo struct {
		Source string `json:"source"`
		Images []struct {
			Source string `json:"source"`
		} `json:"images"`
	}
	if err := c.get(ctx, photoID, values, &photo); err != nil {
		return "", err
	}
	if len(photo.Images) > 0 && photo.Images[0].Source != "" {
		return photo.Images[0].Source, nil
	}
	return photo.Source, nil
}

// fetchAttachmentsEndpoint is the last image fallback: the dedicated
// /{post_id}/attachments edge.
func (c *Client) fetchAttachmentsEndpoint(ctx context.Context, postID, accessToken string) ([]string, error) {
	values := url.Values{}
	values.Set("access_token", accessToken)

	var result struct {
		Data []attachment `json:"data"`
	}
	if err := c.get(ctx, postID+"/attachments", values, &result); err != nil {
		return nil, err
	}

	var images []string
	for _, att := range result.Data {
		if src := att.Media.Image.Src; src != "" {
			images = append(images, src)
		}
		for _, sub := range att.Subattachments.Data {
			if src := sub.Media.Image.Src; src != "" {
				images = append(images, src)
			}
		}
	}
	return images, nil
}

// permalink post ids look like /{page}/posts/{id} or story_fbid=... in the query.
var (
	permalinkPathRe  = regexp.MustCompile(`/posts/([0-9_]+)`)
	permalinkQueryRe = regexp.MustCompile(`story_fbid=([0-9]+).*?(?:&|\?)id=([0-9]+)`)
)

// ResolveParentPost resolves the post a comment belongs to: the comment's
// object reference first, else the post id parsed out of its permalink URL.
// An empty return with nil error means the parent is unknown; callers degrade
// to text-only context instead of aborting.
func (c *Client) ResolveParentPost(ctx context.Context, commentID, accessToken string) (string, error) {
	values := url.Values{}
	values.Set("fields", "object,permalink_url")
	values.Set("access_token", accessToken)

	var detail struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
		PermalinkURL string `json:"permalink_url"`
	}
	if err := c.get(ctx, commentID, values, &detail); err != nil {
		return "", err
	}

	if detail.Object.ID != "" {
		return detail.Object.ID, nil
	}
	if m := permalinkPathRe.FindStringSubmatch(detail.PermalinkURL); m != nil {
		return m[1], nil
	}
	if m := permalinkQueryRe.FindStringSubmatch(detail.PermalinkURL); m != nil {
		// story_fbid + page id form the composite post id
		return m[2] + "_" + m[1], nil
	}
	return "", nil
}

// ReplyToComment posts a reply under a comment. When attachmentURL is set the
// first attempt carries it; if that attempt fails for any reason the reply is
// retried text-only so the message is never silently dropped. Both attempts
// failing yields a DeliveryError.
func (c *Client) ReplyToComment(ctx context.Context, commentID, message, attachmentURL, accessToken string) error {
	values := url.Values{}
	values.Set("message", message)
	values.Set("access_token", accessToken)

	if attachmentURL != "" {
		withAttachment := url.Values{}
		withAttachment.Set("message", message)
		withAttachment.Set("attachment_url", attachmentURL)
		withAttachment.Set("access_token", accessToken)

		err := c.postForm(ctx, commentID+"/comments", withAttachment)
		if err == nil {
			return nil
		}
		logrus.Warnf("Attachment reply to comment %s failed, retrying text-only: %v", commentID, err)
		if c.metrics != nil {
			c.metrics.AttachmentRetries.Inc()
		}
	}

	if err := c.postForm(ctx, commentID+"/comments", values); err != nil {
		return &DeliveryError{Target: commentID, Cause: err}
	}
	return nil
}

// SendMessage sends a direct message reply through the page inbox.
func (c *Client) SendMessage(ctx context.Context, recipientID, text, accessToken string) error {
	payload := map[string]interface{}{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/%s/me/messages?access_token=%s", c.baseURL, c.apiVersion, url.QueryEscape(accessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Target: recipientID, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &DeliveryError{Target: recipientID, Cause: fmt.Errorf("graph api error: status=%d body=%s", resp.StatusCode, truncate(string(respBody), 512))}
	}
	return nil
}

// LikeComment likes a comment on behalf of the page.
func (c *Client) LikeComment(ctx context.Context, commentID, accessToken string) error {
	values := url.Values{}
	values.Set("access_token", accessToken)
	return c.postForm(ctx, commentID+"/likes", values)
}

// SubscribeApp subscribes the app to a page's webhook fields.
func (c *Client) SubscribeApp(ctx context.Context, pageID, subscribedFields, accessToken string) error {
	values := url.Values{}
	values.Set("subscribed_fields", subscribedFields)
	values.Set("access_token", accessToken)
	return c.postForm(ctx, pageID+"/subscribed_apps", values)
}

// RecentPosts lists a page's most recent post ids, newest first. Used when a
// degraded envelope names changed fields without any detail.
func (c *Client) RecentPosts(ctx context.Context, pageID, accessToken string, limit int) ([]string, error) {
	values := url.Values{}
	values.Set("fields", "id")
	values.Set("limit", fmt.Sprintf("%d", limit))
	values.Set("access_token", accessToken)

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, pageID+"/posts", values, &result); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.Data))
	for _, p := range result.Data {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// PostComments lists the comments on a post, oldest first.
func (c *Client) PostComments(ctx context.Context, postID, accessToken string) ([]Comment, error) {
	values := url.Values{}
	values.Set("fields", "id,message,from{id,name}")
	values.Set("order", "chronological")
	values.Set("access_token", accessToken)

	var result struct {
		Data []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
			From    struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"from"`
		} `json:"data"`
	}
	if err := c.get(ctx, postID+"/comments", values, &result); err != nil {
		return nil, err
	}

	comments := make([]Comment, 0, len(result.Data))
	for _, raw := range result.Data {
		comments = append(comments, Comment{
			ID:         raw.ID,
			PostID:     postID,
			AuthorID:   raw.From.ID,
			AuthorName: raw.From.Name,
			Message:    raw.Message,
		})
	}
	return comments, nil
}

// DownloadImage fetches image bytes for inline AI input. Returns the bytes
// and the content type reported by the server.
func (c *Client) DownloadImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("image download error: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	var out []string
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

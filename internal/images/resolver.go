// Package images turns free text and post detail into candidate image URLs.
package images

import (
	"context"
	"regexp"

	"github.com/sirupsen/logrus"

	"social-auto-reply-go/internal/graph"
)

// Embedded platform photo links come in two shapes: a query-parameter id
// (photo.php?fbid=123) and a path-segment id (/photos/a.1/123/).
var (
	queryIDRe = regexp.MustCompile(`(?:fbid|photo_id)=([0-9]{6,})`)
	pathIDRe  = regexp.MustCompile(`/photos/(?:[^/]+/)?([0-9]{6,})`)
)

// PhotoSource resolves a platform photo id to a usable image URL.
type PhotoSource interface {
	FetchPhotoSource(ctx context.Context, photoID, accessToken string) (string, error)
}

// Resolver produces candidate image URLs for a post or free text.
type Resolver struct {
	graph PhotoSource
}

func NewResolver(g PhotoSource) *Resolver {
	return &Resolver{graph: g}
}

// ExtractPhotoIDs pulls platform photo ids embedded in free text.
func ExtractPhotoIDs(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{queryIDRe, pathIDRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				ids = append(ids, m[1])
			}
		}
	}
	return ids
}

// Resolve merges the post's discovered images with any photo links embedded
// in the given texts, resolving each embedded id to a usable URL. Post
// discovery comes first; order is preserved and duplicates dropped. Failures
// resolving an individual id are logged and skipped, never fatal.
func (r *Resolver) Resolve(ctx context.Context, post *graph.Post, accessToken string, texts ...string) []string {
	var candidates []string
	if post != nil {
		candidates = append(candidates, post.Images...)
	}

	for _, text := range texts {
		for _, id := range ExtractPhotoIDs(text) {
			src, err := r.graph.FetchPhotoSource(ctx, id, accessToken)
			if err != nil {
				logrus.Debugf("Failed to resolve embedded photo %s: %v", id, err)
				continue
			}
			if src != "" {
				candidates = append(candidates, src)
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, u := range candidates {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

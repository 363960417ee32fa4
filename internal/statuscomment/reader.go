package statuscomment

import (
	"context"

	"github.com/triagekit/autotriage/internal/github"
)

// CommentLister lists an issue's comments, newest first.
type CommentLister interface {
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error)
}

// Reader derives triage status by scanning an issue's existing comments.
// It is the store-less fallback behind the same read interface as the
// store-backed path, selected by configuration.
type Reader struct {
	comments CommentLister
}

// NewReader creates a Reader over the given comment source.
func NewReader(comments CommentLister) *Reader {
	return &Reader{comments: comments}
}

// LatestTriageInfo scans the issue's comments for the most recent status
// marker. A comment history without markers yields ok=false, not an error.
func (r *Reader) LatestTriageInfo(ctx context.Context, owner, repo string, number int) (Info, bool, error) {
	comments, err := r.comments.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return Info{}, false, err
	}
	bodies := make([]string, len(comments))
	for i, c := range comments {
		bodies[i] = c.Body
	}
	info, ok := Scan(bodies)
	return info, ok, nil
}

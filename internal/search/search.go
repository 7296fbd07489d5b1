// Package search finds feed posts by their text, through Meilisearch when it
// is reachable and Postgres full-text search otherwise.
package search

import "context"

// PostRecord is the data we index for a post.
type PostRecord struct {
	ID         int64  `json:"id"`
	Content    string `json:"content"`
	AuthorID   int64  `json:"authorId"`
	AuthorName string `json:"authorName"`
	CreatedAt  int64  `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Searcher returns matching post ids, best match first, and the total hit count.
type Searcher interface {
	SearchPosts(ctx context.Context, q Query) ([]int64, int, error)
	Healthy() bool
}

// Indexer can push posts into a search index.
type Indexer interface {
	IndexPost(post PostRecord) error
	IndexPosts(posts []PostRecord) error
}

package backend

import (
	"net/url"
	"strconv"
	"strings"
)

// College is a listing entry from the colleges catalog.
type College struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	City     string  `json:"city"`
	Rating   float64 `json:"rating"`
	Featured bool    `json:"featured"`
}

// Exam is an entrance exam with its next sitting.
type Exam struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Date string `json:"date"`
}

// Post is one community feed item.
type Post struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// FeedPage is one page of the community feed.
type FeedPage struct {
	Posts      []Post `json:"posts"`
	NextCursor string `json:"nextCursor"`
}

// Key builds a cache key from a fixed prefix and request parameters joined
// with "-", e.g. Key("home-exams", "8"). Parameters are query-escaped with
// "-" escaped too, so distinct parameter lists never share a key.
func Key(prefix string, params ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range params {
		b.WriteByte('-')
		b.WriteString(strings.ReplaceAll(url.QueryEscape(p), "-", "%2D"))
	}
	return b.String()
}

// CollegesKey is the cache key for a colleges listing of the given size.
func CollegesKey(limit int) string {
	return Key("home-colleges", strconv.Itoa(limit))
}

// ExamsKey is the cache key for an exams listing of the given size.
func ExamsKey(limit int) string {
	return Key("home-exams", strconv.Itoa(limit))
}

// CommunityKey is the cache key for one community feed page.
func CommunityKey(cursor, filter string) string {
	return Key("community-feed", cursor, filter)
}

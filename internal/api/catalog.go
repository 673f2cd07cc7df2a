package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/counselly/edge/internal/backend"
	"github.com/counselly/edge/internal/cache"
	"github.com/counselly/edge/internal/messaging"
)

const (
	defaultCollegesLimit = 6
	defaultExamsLimit    = 8
	maxListLimit         = 50
	defaultFeedFilter    = "all"
)

// Colleges serves GET /v1/colleges?limit=.
func (h *Handler) Colleges(c *gin.Context) {
	limit, ok := queryLimit(c, defaultCollegesLimit)
	if !ok {
		return
	}
	serveCached(c, h.Cache, backend.CollegesKey(limit), h.Catalog.Colleges(limit))
}

// Exams serves GET /v1/exams?limit=.
func (h *Handler) Exams(c *gin.Context) {
	limit, ok := queryLimit(c, defaultExamsLimit)
	if !ok {
		return
	}
	serveCached(c, h.Cache, backend.ExamsKey(limit), h.Catalog.Exams(limit))
}

// Community serves GET /v1/community?cursor=&filter=. The page is read
// through a Query bound to the request, so a client that goes away while
// the backend is slow still warms the cache but gets no answer.
func (h *Handler) Community(c *gin.Context) {
	cursor := c.Query("cursor")
	filter := c.DefaultQuery("filter", defaultFeedFilter)

	q := cache.NewQuery(c.Request.Context(), h.Cache, backend.CommunityKey(cursor, filter),
		h.Catalog.CommunityFeed(cursor, filter), cursor, filter)
	defer q.Close()

	st := q.Run()
	if c.Request.Context().Err() != nil {
		h.Log.Debug().Str("key", q.Key()).Msg("client gone before feed page resolved")
		return
	}
	if st.Err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": cache.FetchFailedMessage})
		return
	}
	c.JSON(http.StatusOK, st.Data)
}

// InvalidateKey serves DELETE /internal/cache/:key.
func (h *Handler) InvalidateKey(c *gin.Context) {
	key := c.Param("key")
	h.Cache.Invalidate(key)
	h.broadcast(key)
	c.Status(http.StatusNoContent)
}

// InvalidateAll serves DELETE /internal/cache.
func (h *Handler) InvalidateAll(c *gin.Context) {
	h.Cache.Clear()
	h.broadcast("")
	c.Status(http.StatusNoContent)
}

func (h *Handler) broadcast(key string) {
	if h.Bus == nil {
		return
	}
	if err := h.Bus.PublishInvalidation(messaging.Invalidation{Key: key, Origin: h.Origin}); err != nil {
		h.Log.Warn().Err(err).Str("key", key).Msg("invalidation not broadcast")
	}
}

// serveCached answers with the cached or freshly fetched value. Fetch
// failures surface only as the fixed user-facing message.
func serveCached[T any](c *gin.Context, store *cache.Cache, key string, fetch cache.Fetcher[T]) {
	data, err := cache.Get(c.Request.Context(), store, key, fetch)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": cache.FetchFailedMessage})
		return
	}
	c.JSON(http.StatusOK, data)
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxListLimit)})
		return 0, false
	}
	return n, true
}

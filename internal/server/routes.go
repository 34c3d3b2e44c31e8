package server

import (
	"net/http"
	"time"

	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecordView is the JSON shape of one knowledge record.
type RecordView struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Clock   uint64 `json:"clock"`
	Quality uint32 `json:"quality"`
	Size    int    `json:"size"`
	Value   any    `json:"value"`
}

func NewRecordView(key string, rec knowledge.Record) RecordView {
	v := RecordView{
		Key:     key,
		Type:    rec.Type.String(),
		Clock:   rec.Clock,
		Quality: rec.Quality,
		Size:    rec.Size(),
	}
	switch rec.Type {
	case knowledge.TypeInteger:
		v.Value = rec.Int()
	case knowledge.TypeDouble:
		v.Value = rec.Double()
	case knowledge.TypeIntegerArray:
		v.Value = rec.Ints()
	case knowledge.TypeDoubleArray:
		v.Value = rec.Doubles()
	case knowledge.TypeBinary:
		v.Value = rec.Bytes()
	default:
		v.Value = rec.String()
	}
	return v
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": "0.1.0",
		})
	})

	r := s.router.Group("/")
	if s.deps.Auth != nil {
		r.Use(requireToken(s.deps.Auth))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/knowledge", func(c *gin.Context) {
		kb := s.deps.Knowledge
		if kb == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge base unavailable"})
			return
		}
		keys := kb.Keys(c.Query("prefix"))
		records := make([]RecordView, 0, len(keys))
		for _, k := range keys {
			if rec, ok := kb.Get(k); ok {
				records = append(records, NewRecordView(k, rec))
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"clock":   kb.CurrentClock(),
			"total":   kb.Len(),
			"records": records,
		})
	})

	r.GET("/knowledge/:key", func(c *gin.Context) {
		kb := s.deps.Knowledge
		if kb == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge base unavailable"})
			return
		}
		key := c.Param("key")
		rec, ok := kb.Get(key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found", "key": key})
			return
		}
		c.JSON(http.StatusOK, NewRecordView(key, rec))
	})

	r.GET("/transport", func(c *gin.Context) {
		if s.deps.Transport == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transport unavailable"})
			return
		}
		c.JSON(http.StatusOK, s.deps.Transport.Stats())
	})

	r.GET("/reliable", func(c *gin.Context) {
		if s.deps.Reliable == nil {
			c.JSON(http.StatusOK, gin.H{"records": []any{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": s.deps.Reliable.List()})
	})

	r.GET("/reliable/:name", func(c *gin.Context) {
		if s.deps.Reliable == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not tracked"})
			return
		}
		st, ok := s.deps.Reliable.Get(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not tracked"})
			return
		}
		c.JSON(http.StatusOK, st)
	})
}

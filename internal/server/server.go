// Package server exposes the inbox over a small JSON HTTP API. It is the
// consumer side of the inbox: clients list messages and mark them read,
// which is what makes the Acknowledger confirm them in Slack.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// DefaultPort is used when Opts.Port is not set.
const DefaultPort = 8377

// Store is the inbox and ledger access the API needs.
type Store interface {
	Load(ctx context.Context) ([]models.Message, error)
	MarkRead(ctx context.Context, ids ...int) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
	LoadAcknowledged(ctx context.Context) (map[models.TS]struct{}, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Store Store
	Port  int
	Out   io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("server: store is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Store),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Inbox API running at http://localhost:%d/api/inbox\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter returns the gin engine with every API route registered.
func NewRouter(st Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/inbox", handleInbox(st, false))
	api.GET("/inbox/unread", handleInbox(st, true))
	api.POST("/inbox/read-all", handleReadAll(st))
	api.POST("/inbox/:id/read", handleRead(st))
	api.GET("/status", handleStatus(st))
	return router
}

func handleInbox(st Store, unreadOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := st.Load(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if unreadOnly {
			msgs = store.Unread(msgs)
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
	}
}

func handleRead(st Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
			return
		}
		ctx := c.Request.Context()
		msgs, err := st.Load(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !hasID(msgs, id) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("message %d not found", id)})
			return
		}
		changed, err := st.MarkRead(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "changed": changed})
	}
}

func handleReadAll(st Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		changed, err := st.MarkAllRead(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"changed": changed})
	}
}

func handleStatus(st Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		msgs, err := st.Load(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		acked, err := st.LoadAcknowledged(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		awaiting := 0
		for _, m := range msgs {
			if _, ok := acked[m.Timestamp]; m.Read && !ok && !m.IsSystemEvent() {
				awaiting++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"total":        len(msgs),
			"unread":       len(store.Unread(msgs)),
			"read":         store.CountRead(msgs),
			"acknowledged": len(acked),
			"pending_ack":  awaiting,
		})
	}
}

func hasID(msgs []models.Message, id int) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

package idempotency

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settleflow/internal/httpx"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/metrics"
	"github.com/mbd888/settleflow/internal/syncutil"
)

// HeaderKey is the request header carrying the client's idempotency key.
const HeaderKey = "Idempotency-Key"

// HeaderReplay marks responses served from the idempotency store.
const HeaderReplay = "X-Idempotency-Replay"

// Gate guards mutating handlers so each idempotency key executes its
// handler at most once.
//
// Only POST and PUT requests carrying a non-empty Idempotency-Key header
// are guarded. A populated record replays the stored response verbatim.
// An unpopulated claim held by another request gets a 409. A store failure
// on the claim path fails open: the handler runs unguarded, because
// serving the payment is preferred over refusing it.
type Gate struct {
	store Store
	locks *syncutil.ContextShardedMutex
}

// NewGate creates a gate over the given store.
func NewGate(store Store) *Gate {
	return &Gate{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
	}
}

// Middleware returns the gin middleware for this gate.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut {
			c.Next()
			return
		}
		key := c.GetHeader(HeaderKey)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		log := logging.L(ctx)

		// Serialize same-key requests within this process. The store's
		// atomic claim still protects across processes.
		unlock, err := g.locks.LockContext(ctx, key)
		if err != nil {
			// Client gave up while waiting on a contended key.
			c.Abort()
			return
		}
		defer unlock()

		rec, claimed, err := g.store.Claim(ctx, key, c.Request.Method, c.FullPath())
		if err != nil {
			metrics.IdempotencyFailOpenTotal.Inc()
			log.Warn("idempotency store unavailable, failing open",
				"key", key, "error", err)
			c.Next()
			return
		}

		if !claimed {
			if rec.Populated() {
				metrics.IdempotencyHitsTotal.Inc()
				c.Header(HeaderReplay, "true")
				c.Data(rec.ResponseStatus, "application/json; charset=utf-8", rec.ResponseBody)
				c.Abort()
				return
			}
			// Another process holds an unfinished claim for this key.
			httpx.Fail(c, http.StatusConflict, "a request with this idempotency key is already in progress")
			c.Abort()
			return
		}

		// First execution for this key. Capture the response so it can be
		// replayed; release the claim if the handler panics so a retry is
		// not wedged behind a permanently in-flight record.
		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w

		defer func() {
			if r := recover(); r != nil {
				// Detached context: the request context may already be dead.
				if relErr := g.store.Release(context.WithoutCancel(ctx), key); relErr != nil {
					log.Error("failed to release idempotency claim after panic",
						"key", key, "error", relErr)
				}
				panic(r)
			}
		}()

		c.Next()

		// Any completed response, including 4xx, is a valid cached artifact.
		if err := g.store.Complete(context.WithoutCancel(ctx), key, w.Status(), w.body.Bytes()); err != nil {
			log.Error("failed to persist idempotency record", "key", key, "error", err)
		}
	}
}

// captureWriter tees the response body so the gate can store it.
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

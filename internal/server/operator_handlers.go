package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type manualSyncRequestPayload struct {
	Wallet string `json:"wallet"`
}

type manualSyncResponsePayload struct {
	Wallet       string   `json:"wallet"`
	PrimaryClock int64    `json:"primaryClock"`
	Enqueued     []string `json:"enqueued"`
	Outstanding  []string `json:"outstanding"`
}

// handleManualSync queues a manual-priority sync to every secondary of a wallet this node is
// primary for.
func (h *httpHandler) handleManualSync(c *gin.Context) {
	if h.syncs == nil || h.replicaSets == nil {
		abortWithError(c, http.StatusServiceUnavailable, codeUnavailable, "manual sync is not enabled on this node")
		return
	}
	var request manualSyncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "wallet required")
		return
	}
	wallet, err := versioning.NormalizeWallet(request.Wallet)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	replicaSet, err := h.replicaSets.Get(ctx, wallet)
	if err != nil {
		if errors.Is(err, replicaset.ErrUnknownWallet) {
			abortWithError(c, http.StatusNotFound, codeNotFound, "no replica set for wallet")
			return
		}
		h.logger.Error("replica set lookup failed", zap.String("wallet", wallet), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, codeInternal, "replica set lookup failed")
		return
	}
	if replicaSet.RoleOf(h.selfEndpoint) != replicaset.RolePrimary {
		abortWithError(c, http.StatusConflict, codeNotPrimary, "this node is not the wallet's primary")
		return
	}
	user, found, err := h.store.GetUser(ctx, wallet)
	if err != nil {
		h.writeServiceError(c, "manual_sync", err)
		return
	}
	if !found {
		abortWithError(c, http.StatusNotFound, codeNotFound, "no local state for wallet")
		return
	}

	response := manualSyncResponsePayload{
		Wallet:       wallet,
		PrimaryClock: user.Clock,
		Enqueued:     []string{},
		Outstanding:  []string{},
	}
	for _, secondary := range replicaSet.Secondaries() {
		added, err := h.syncs.Enqueue(reconciler.SyncRequest{
			Wallet:       wallet,
			Secondary:    secondary,
			Primary:      h.selfEndpoint,
			Priority:     reconciler.PriorityManual,
			PrimaryClock: user.Clock,
		})
		if err != nil {
			abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		if added {
			response.Enqueued = append(response.Enqueued, secondary)
		} else {
			response.Outstanding = append(response.Outstanding, secondary)
		}
	}
	h.logger.Info("manual sync requested",
		zap.String("wallet", wallet),
		zap.Int64("primary_clock", user.Clock),
		zap.Strings("enqueued", response.Enqueued),
	)
	c.JSON(http.StatusAccepted, response)
}

func (h *httpHandler) handleMonitorTrace(c *gin.Context) {
	if h.traces == nil {
		abortWithError(c, http.StatusServiceUnavailable, codeUnavailable, "state monitor is not running")
		return
	}
	trace, ok := h.traces.LastTrace()
	if !ok {
		abortWithError(c, http.StatusNotFound, codeNotFound, "no monitoring run has completed yet")
		return
	}
	c.JSON(http.StatusOK, trace)
}

type eventPayload struct {
	Wallet    string    `json:"wallet,omitempty"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// handleEventStream streams replica-set activity as server-sent events. The wallet query
// parameter narrows the stream to one wallet.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.events == nil {
		abortWithError(c, http.StatusServiceUnavailable, codeUnavailable, "event stream is not enabled")
		return
	}
	wallet := strings.TrimSpace(c.Query("wallet"))
	if wallet == "" {
		wallet = AllWallets
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, wallet)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(eventHeartbeat, eventPayload{Source: eventSourceNode, Timestamp: h.clock().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, eventPayload{
				Wallet:    event.Wallet,
				Source:    eventSourceNode,
				Timestamp: event.Timestamp.UTC(),
				Payload:   event.Payload,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, eventPayload{Source: eventSourceNode, Timestamp: h.clock().UTC()})
			return true
		}
	})
}

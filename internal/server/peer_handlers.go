package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/contentaddr"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleVerboseHealth(c *gin.Context) {
	report := peer.VerboseHealth{
		Healthy: true,
		Version: h.version,
		Service: serviceName,
	}
	if h.maxStorageUsedPercent > 0 {
		report.MaxStorageUsedPercent = peer.Float64(h.maxStorageUsedPercent)
	}
	if h.sampler != nil {
		stats := h.sampler.Sample()
		report.StoragePathSize = stats.StoragePathSize
		report.StoragePathUsed = stats.StoragePathUsed
		report.TotalMemory = stats.TotalMemory
		report.UsedMemory = stats.UsedMemory
		report.MaxFileDescriptors = stats.MaxFileDescriptors
		report.AllocatedFileDescriptors = stats.AllocatedFileDescriptors
	}
	if h.history != nil {
		counts, err := h.history.SelfCounts(c.Request.Context())
		if err != nil {
			h.logger.Warn("sync counts unavailable for health report", zap.Error(err))
		} else {
			report.DailySyncSuccessCount = peer.Int64(counts.Daily.SuccessCount)
			report.DailySyncFailCount = peer.Int64(counts.Daily.FailCount)
			report.ThirtyDayRollingSyncSuccessCount = peer.Int64(counts.Rolling.SuccessCount)
			report.ThirtyDayRollingSyncFailCount = peer.Int64(counts.Rolling.FailCount)
		}
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleBatchClockStatus(c *gin.Context) {
	returnFilesHash := false
	if raw := strings.TrimSpace(c.Query("returnFilesHash")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "returnFilesHash must be a boolean")
			return
		}
		returnFilesHash = parsed
	}

	var request peer.BatchClockStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "walletPublicKeys required")
		return
	}
	if len(request.WalletPublicKeys) > h.maxClockStatusWallets {
		abortWithError(c, http.StatusBadRequest, codeTooManyWallets,
			"at most "+strconv.Itoa(h.maxClockStatusWallets)+" wallets per request")
		return
	}

	ctx := c.Request.Context()
	clocks, err := h.store.GetClocks(ctx, request.WalletPublicKeys)
	if err != nil {
		h.writeServiceError(c, "batch_clock_status", err)
		return
	}

	response := peer.BatchClockStatusResponse{Users: make([]peer.WalletClockStatus, 0, len(clocks))}
	seen := make(map[string]struct{}, len(clocks))
	for _, rawWallet := range request.WalletPublicKeys {
		wallet, err := versioning.NormalizeWallet(rawWallet)
		if err != nil {
			continue
		}
		if _, ok := seen[wallet]; ok {
			continue
		}
		seen[wallet] = struct{}{}
		status := peer.WalletClockStatus{WalletPublicKey: wallet, Clock: clocks[wallet]}
		if returnFilesHash {
			hash, err := h.store.FilesHash(ctx, wallet, 0, -1)
			if err != nil {
				h.writeServiceError(c, "batch_clock_status", err)
				return
			}
			status.FilesHash = &hash
		}
		response.Users = append(response.Users, status)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	wallets := c.QueryArray("wallet_public_key")
	if len(wallets) == 0 {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "wallet_public_key required")
		return
	}
	var clockMin int64
	if raw := strings.TrimSpace(c.Query("clock_range_min")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "clock_range_min must be a non-negative integer")
			return
		}
		clockMin = parsed
	}

	export, err := h.store.ExportRange(c.Request.Context(), wallets, clockMin, -1)
	if err != nil {
		h.writeServiceError(c, "export", err)
		return
	}
	c.JSON(http.StatusOK, export)
}

type syncResponsePayload struct {
	Queued int `json:"queued"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	claims, ok := peerClaims(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return
	}
	var payload peer.SyncPayload
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload.Wallet) == 0 || strings.TrimSpace(payload.CreatorNodeEndpoint) == "" {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "wallet and creator_node_endpoint required")
		return
	}
	if err := auth.RequireSigner(claims, payload.CreatorNodeEndpoint); err != nil {
		h.logger.Warn("sync request rejected", zap.String("signer", claims.Endpoint), zap.Error(err))
		abortWithError(c, http.StatusForbidden, codeForbidden, "token signer does not match creator_node_endpoint")
		return
	}

	enqueue := h.puller.Enqueue
	if payload.ForceResync {
		enqueue = h.puller.EnqueueResync
	}
	queued := 0
	for _, wallet := range payload.Wallet {
		added, err := enqueue(wallet, payload.CreatorNodeEndpoint, payload.Immediate)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		if added {
			queued++
		}
	}
	h.logger.Info("sync request accepted",
		zap.Strings("wallets", payload.Wallet),
		zap.String("primary", payload.CreatorNodeEndpoint),
		zap.Bool("immediate", payload.Immediate),
		zap.Bool("force_resync", payload.ForceResync),
		zap.Int("queued", queued),
	)
	c.JSON(http.StatusOK, syncResponsePayload{Queued: queued})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	wallet, err := versioning.NormalizeWallet(c.Param("wallet"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	user, found, err := h.store.GetUser(c.Request.Context(), wallet)
	if err != nil {
		h.writeServiceError(c, "sync_status", err)
		return
	}
	status := peer.SyncStatus{
		LatestBlockNumber: -1,
		ClockValue:        -1,
		SyncInProgress:    h.puller.InProgress(wallet),
	}
	if found {
		status.LatestBlockNumber = user.LatestBlockNumber
		status.ClockValue = user.Clock
	}
	c.JSON(http.StatusOK, status)
}

// handleContent serves stored content by CID. Directory children are stored beneath their
// directory CID, so a miss at the plain path falls back to the file row's directory.
func (h *httpHandler) handleContent(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("cid"))
	if !contentaddr.Valid(identifier) {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "invalid CID")
		return
	}
	path, err := h.addresser.Path(identifier)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if regularFile(path) {
		c.File(path)
		return
	}

	file, found, err := h.store.LookupFile(c.Request.Context(), identifier)
	if err != nil {
		h.writeServiceError(c, "content", err)
		return
	}
	if found && file.DirMultihash != nil {
		childPath, err := h.addresser.DirChildPath(*file.DirMultihash, identifier)
		if err == nil && regularFile(childPath) {
			c.File(childPath)
			return
		}
	}
	abortWithError(c, http.StatusNotFound, codeNotFound, "content not stored on this node")
}

func regularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/contentaddr"
	"github.com/MarcoPoloResearchLab/contentnode/internal/monitor"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/synchistory"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sysinfo"
	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	peerClaimsContextKey         = "contentnode_peer_claims"
	serviceName                  = "content-node"
	defaultMaxClockStatusWallets = 500
	accessTokenQueryParameter    = "access_token"
)

// Error codes returned in the JSON error envelope.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeNotFound       = "not_found"
	codeNotPrimary     = "not_primary"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal_error"
	codeTooManyWallets = "too_many_wallets"
)

var (
	errMissingStore         = errors.New("versioning store dependency required")
	errMissingAddresser     = errors.New("content addresser dependency required")
	errMissingAuthenticator = errors.New("peer authenticator dependency required")
	errMissingPuller        = errors.New("puller dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// VersioningStore is the local versioning store as seen by the peer API.
type VersioningStore interface {
	GetUser(ctx context.Context, wallet string) (versioning.User, bool, error)
	GetClocks(ctx context.Context, wallets []string) (map[string]int64, error)
	FilesHash(ctx context.Context, wallet string, clockMin int64, clockMax int64) (string, error)
	ExportRange(ctx context.Context, wallets []string, clockMin int64, clockMax int64) (versioning.Export, error)
	LookupFile(ctx context.Context, multihash string) (versioning.ContentFile, bool, error)
}

// PeerAuthenticator validates the bearer token of a peer request.
type PeerAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.PeerClaims, error)
}

// Puller runs the pulls this node performs as a secondary.
type Puller interface {
	Enqueue(wallet string, primary string, immediate bool) (bool, error)
	EnqueueResync(wallet string, primary string, immediate bool) (bool, error)
	InProgress(wallet string) bool
}

// SyncQueue accepts sync requests this node issues as a primary.
type SyncQueue interface {
	Enqueue(request reconciler.SyncRequest) (bool, error)
}

// ReplicaSets resolves a wallet's replica set.
type ReplicaSets interface {
	Get(ctx context.Context, wallet string) (replicaset.ReplicaSet, error)
}

// SelfHistory reports this node's own sync counts.
type SelfHistory interface {
	SelfCounts(ctx context.Context) (synchistory.SelfCounts, error)
}

// HostSampler samples host resources.
type HostSampler interface {
	Sample() sysinfo.Stats
}

// TraceSource exposes the latest monitoring trace.
type TraceSource interface {
	LastTrace() (monitor.Trace, bool)
}

// Dependencies wires the HTTP handler. Store, Addresser, Authenticator and Puller are required;
// routes whose optional dependency is missing answer 503.
type Dependencies struct {
	Store                 VersioningStore
	Addresser             *contentaddr.Addresser
	Authenticator         PeerAuthenticator
	Puller                Puller
	Syncs                 SyncQueue
	ReplicaSets           ReplicaSets
	History               SelfHistory
	Sampler               HostSampler
	Traces                TraceSource
	Events                *EventDispatcher
	SelfEndpoint          string
	Version               string
	MaxStorageUsedPercent float64
	MaxClockStatusWallets int
	HeartbeatInterval     time.Duration
	Clock                 func() time.Time
	Logger                *zap.Logger
}

// NewHTTPHandler builds the peer API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Addresser == nil {
		return nil, errMissingAddresser
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Puller == nil {
		return nil, errMissingPuller
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxWallets := deps.MaxClockStatusWallets
	if maxWallets <= 0 {
		maxWallets = defaultMaxClockStatusWallets
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:                 deps.Store,
		addresser:             deps.Addresser,
		authenticator:         deps.Authenticator,
		puller:                deps.Puller,
		syncs:                 deps.Syncs,
		replicaSets:           deps.ReplicaSets,
		history:               deps.History,
		sampler:               deps.Sampler,
		traces:                deps.Traces,
		events:                deps.Events,
		selfEndpoint:          replicaset.NormalizeEndpoint(deps.SelfEndpoint),
		version:               deps.Version,
		maxStorageUsedPercent: deps.MaxStorageUsedPercent,
		maxClockStatusWallets: maxWallets,
		heartbeatInterval:     heartbeat,
		clock:                 clock,
		logger:                logger,
	}

	router.GET(peer.PathVerboseHealth, handler.handleVerboseHealth)
	router.POST(peer.PathBatchClockStatus, handler.handleBatchClockStatus)
	router.GET(peer.PathSyncStatus+":wallet", handler.handleSyncStatus)
	router.GET(peer.PathContent+":cid", handler.handleContent)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET(peer.PathExport, handler.handleExport)
	protected.POST(peer.PathSync, handler.handleSync)
	protected.POST("/manual_sync", handler.handleManualSync)
	protected.GET("/monitor/trace", handler.handleMonitorTrace)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	store                 VersioningStore
	addresser             *contentaddr.Addresser
	authenticator         PeerAuthenticator
	puller                Puller
	syncs                 SyncQueue
	replicaSets           ReplicaSets
	history               SelfHistory
	sampler               HostSampler
	traces                TraceSource
	events                *EventDispatcher
	selfEndpoint          string
	version               string
	maxStorageUsedPercent float64
	maxClockStatusWallets int
	heartbeatInterval     time.Duration
	clock                 func() time.Time
	logger                *zap.Logger
}

// authorizeRequest admits requests carrying a valid peer token. Event streams opened from a
// browser may pass the token as the access_token query parameter instead of the header.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	request := c.Request
	if strings.TrimSpace(request.Header.Get("Authorization")) == "" {
		if token := strings.TrimSpace(c.Query(accessTokenQueryParameter)); token != "" {
			request = request.Clone(request.Context())
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}
	claims, err := h.authenticator.ValidateRequest(request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingPeerToken):
			h.logger.Info("peer token missing", zap.String("path", c.FullPath()))
			abortWithError(c, http.StatusUnauthorized, codeUnauthorized, errInvalidAuthorization.Error())
			return
		case errors.Is(err, auth.ErrExpiredPeerToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return
	}
	c.Set(peerClaimsContextKey, claims)
	c.Next()
}

func peerClaims(c *gin.Context) (auth.PeerClaims, bool) {
	value, ok := c.Get(peerClaimsContextKey)
	if !ok {
		return auth.PeerClaims{}, false
	}
	claims, ok := value.(auth.PeerClaims)
	return claims, ok
}

func abortWithError(c *gin.Context, status int, code string, message string) {
	c.AbortWithStatusJSON(status, peer.ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps a store error onto the error envelope, surfacing the service code.
func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	code := codeInternal
	var serviceErr *versioning.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
		if errors.Is(err, versioning.ErrInvalidWallet) || errors.Is(err, versioning.ErrInvalidExport) {
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
	}
	abortWithError(c, status, code, err.Error())
}

package ledgerd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stackmint/creditweb/internal/authgate"
	"github.com/stackmint/creditweb/pkg/credits"
)

// Store is the transactional credits store behind the procedure surface.
type Store interface {
	GetUserCredits(ctx context.Context, userID string) (credits.UserCredits, error)
	SpendCredits(ctx context.Context, userID string, params credits.SpendParams) error
	EarnCredits(ctx context.Context, userID string, params credits.EarnParams) error
	GrantBonus(ctx context.Context, userID string, params credits.EarnParams) error
	GetCreditHistory(ctx context.Context, userID string, params credits.HistoryParams) ([]credits.CreditTransaction, error)
}

const (
	errorCodeUnauthorized   = "unauthorized"
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeInvalidArg     = "invalid_argument"
	errorCodeNotFound       = "not_found"
	errorCodeInsufficient   = "insufficient_credits"
	errorCodeDuplicateRef   = "duplicate_reference"
	errorCodeInternal       = "internal"

	signupBonusDescription = "signup bonus"
	signupReferencePrefix  = "signup:"
)

// Server exposes the credits procedures over HTTP/JSON.
type Server struct {
	logger *zap.Logger
	store  Store
	codec  *authgate.TokenCodec
	config Config
}

// NewServer wires the procedure surface.
func NewServer(config Config, store Store, codec *authgate.TokenCodec, logger *zap.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("store dependency is nil")
	}
	if codec == nil {
		return nil, errors.New("token codec dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, store: store, codec: codec, config: config}, nil
}

// Router builds the gin engine serving the procedure surface.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", "apikey"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	rpc := router.Group("/rpc")
	rpc.Use(server.requireAPIKey(), server.requireIdentity())
	rpc.POST("/get_user_credits", server.handleGetUserCredits)
	rpc.POST("/spend_credits", server.handleSpendCredits)
	rpc.POST("/earn_credits", server.handleEarnCredits)
	rpc.POST("/get_credit_history", server.handleGetCreditHistory)
	rpc.POST("/initialize_user_credits", server.handleInitializeUserCredits)

	return router
}

// Run serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("ledgerd listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) requireAPIKey() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.GetHeader("apikey") != server.config.APIKey {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing or invalid api key"))
			return
		}
		ctx.Next()
	}
}

// requireIdentity derives the caller identity from the bearer access token.
// Procedure bodies never carry a user id.
func (server *Server) requireIdentity() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		identity, err := server.codec.VerifyAccess(header[len(prefix):])
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid access token"))
			return
		}
		ctx.Set("caller_user_id", identity.UserID)
		ctx.Next()
	}
}

func callerUserID(ctx *gin.Context) string {
	return ctx.GetString("caller_user_id")
}

type spendCreditsRequest struct {
	SpendAmount      int64          `json:"spend_amount"`
	SpendDescription string         `json:"spend_description"`
	ReferenceID      *string        `json:"reference_id"`
	MetadataJSON     map[string]any `json:"metadata_json"`
}

type earnCreditsRequest struct {
	EarnAmount      int64          `json:"earn_amount"`
	EarnDescription string         `json:"earn_description"`
	ReferenceID     *string        `json:"reference_id"`
	MetadataJSON    map[string]any `json:"metadata_json"`
}

type creditHistoryRequest struct {
	PageSize   int     `json:"page_size"`
	PageOffset int     `json:"page_offset"`
	FilterType *string `json:"filter_type"`
}

func (server *Server) handleGetUserCredits(ctx *gin.Context) {
	row, err := server.store.GetUserCredits(ctx.Request.Context(), callerUserID(ctx))
	if err != nil {
		server.respondStoreError(ctx, "get_user_credits", err)
		return
	}
	ctx.JSON(http.StatusOK, row)
}

func (server *Server) handleSpendCredits(ctx *gin.Context) {
	var request spendCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	err := server.store.SpendCredits(ctx.Request.Context(), callerUserID(ctx), credits.SpendParams{
		Amount:      request.SpendAmount,
		Description: request.SpendDescription,
		ReferenceID: stringOrEmpty(request.ReferenceID),
		Metadata:    request.MetadataJSON,
	})
	if err != nil {
		server.respondStoreError(ctx, "spend_credits", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (server *Server) handleEarnCredits(ctx *gin.Context) {
	var request earnCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	err := server.store.EarnCredits(ctx.Request.Context(), callerUserID(ctx), credits.EarnParams{
		Amount:      request.EarnAmount,
		Description: request.EarnDescription,
		ReferenceID: stringOrEmpty(request.ReferenceID),
		Metadata:    request.MetadataJSON,
	})
	if err != nil {
		server.respondStoreError(ctx, "earn_credits", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (server *Server) handleGetCreditHistory(ctx *gin.Context) {
	var request creditHistoryRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	params := credits.HistoryParams{
		PageSize:   request.PageSize,
		PageOffset: request.PageOffset,
	}
	if request.FilterType != nil {
		filter, err := credits.ParseTransactionType(*request.FilterType)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidArg, "unknown transaction type"))
			return
		}
		params.FilterType = filter
	}
	transactions, err := server.store.GetCreditHistory(ctx.Request.Context(), callerUserID(ctx), params)
	if err != nil {
		server.respondStoreError(ctx, "get_credit_history", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

// handleInitializeUserCredits seeds the caller's ledger with the signup
// bonus. The grant is deduplicated through its reference id, so replaying the
// call cannot double-credit.
func (server *Server) handleInitializeUserCredits(ctx *gin.Context) {
	userID := callerUserID(ctx)
	err := server.store.GrantBonus(ctx.Request.Context(), userID, credits.EarnParams{
		Amount:      server.config.SignupBonusCredits,
		Description: signupBonusDescription,
		ReferenceID: signupReferencePrefix + userID,
		Metadata:    map[string]any{"source": "sign_up"},
	})
	if err != nil && !errors.Is(err, credits.ErrDuplicateReference) {
		server.respondStoreError(ctx, "initialize_user_credits", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (server *Server) respondStoreError(ctx *gin.Context, procedure string, err error) {
	switch {
	case errors.Is(err, credits.ErrLedgerNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeNotFound, "user credits record not found"))
	case errors.Is(err, credits.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeInsufficient, "credit balance is too low"))
	case errors.Is(err, credits.ErrDuplicateReference):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeDuplicateRef, "reference id already used"))
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidTransactionType):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidArg, err.Error()))
	default:
		server.logger.Error("procedure failed", zap.String("procedure", procedure), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "procedure failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

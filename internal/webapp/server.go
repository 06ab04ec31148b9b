package webapp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stackmint/creditweb/internal/authgate"
	"github.com/stackmint/creditweb/pkg/credits"
)

const (
	errorCodeUnauthorized      = "unauthorized"
	errorCodeInvalidPayload    = "invalid_payload"
	errorCodeEmailTaken        = "email_taken"
	errorCodeInvalidCreds      = "invalid_credentials"
	errorCodeAuthUnavailable   = "auth_unavailable"
	errorCodeLedgerUnavailable = "ledger_unavailable"
	errorCodeLedgerError       = "ledger_error"
	errorCodeNeedsSetup        = "credits_not_initialized"
	errorCodeUnknownPack       = "unknown_pack"

	purchaseDescription     = "credit pack purchase"
	purchaseReferencePrefix = "purchase:"
)

// creditPacks maps purchasable pack names to credit amounts.
var creditPacks = map[string]int64{
	"starter": 50,
	"growth":  200,
	"scale":   500,
}

// Server is the session-aware application server: marketing pages, auth
// flows, and the protected dashboard backed by the credits ledger.
type Server struct {
	logger   *zap.Logger
	config   Config
	users    *UserStore
	codec    *authgate.TokenCodec
	verifier authgate.SessionVerifier
	gate     *authgate.Gate
	ledger   *credits.HTTPClient
}

// NewServer wires the application server. Missing session or ledger
// configuration degrades the corresponding capability instead of failing.
func NewServer(config Config, users *UserStore, logger *zap.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if users == nil {
		return nil, errors.New("user store dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &Server{logger: logger, config: config, users: users}

	if config.SessionConfigured() {
		codec, err := authgate.NewTokenCodec(authgate.CodecConfig{
			SigningKey: config.SessionSigningKey,
			Issuer:     config.SessionIssuer,
			AccessTTL:  config.AccessTokenTTL,
			RefreshTTL: config.RefreshTokenTTL,
		})
		if err != nil {
			return nil, err
		}
		server.codec = codec
		server.verifier = authgate.NewCodecVerifier(codec)
	} else {
		logger.Warn("session signing key missing, auth gate degraded to indeterminate")
	}

	server.gate = authgate.New(server.verifier, authgate.Config{
		FailClosed:       config.GateFailClosed,
		AccessCookieTTL:  config.AccessTokenTTL,
		RefreshCookieTTL: config.RefreshTokenTTL,
	}, logger)

	if config.LedgerConfigured() {
		ledgerClient, err := credits.NewHTTPClient(credits.ClientConfig{
			BaseURL: config.LedgerBaseURL,
			APIKey:  config.LedgerAPIKey,
			Timeout: config.LedgerTimeout,
		})
		if err != nil {
			return nil, err
		}
		server.ledger = ledgerClient
	} else {
		logger.Warn("credits backend not configured, ledger features disabled")
	}

	return server, nil
}

// Router builds the gin engine with the auth gate in front of every route.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(server.gate.Middleware())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/", server.handleLanding)
	router.GET("/pricing", server.handlePricing)
	router.GET("/sign-in", server.handleSignInPage)
	router.GET("/sign-up", server.handleSignUpPage)

	auth := router.Group("/auth")
	auth.POST("/sign-up", server.handleSignUp)
	auth.POST("/sign-in", server.handleSignIn)
	auth.POST("/sign-out", server.handleSignOut)

	protected := router.Group("/protected")
	protected.GET("", server.handleDashboard)
	protected.GET("/billing", server.handleBilling)
	protected.GET("/settings", server.handleSettings)
	protected.POST("/credits/spend-one", server.handleSpendOne)
	protected.POST("/credits/reset", server.handleResetCredits)
	protected.POST("/billing/purchase", server.handlePurchase)

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
		server.logger.Info("webapp listening", zap.String("addr", server.config.ListenAddr))
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

func (server *Server) handleLanding(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"page": "landing"})
}

func (server *Server) handlePricing(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"page": "pricing", "packs": creditPacks})
}

func (server *Server) handleSignInPage(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"page": "sign-in"})
}

func (server *Server) handleSignUpPage(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"page": "sign-up"})
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (server *Server) handleSignUp(ctx *gin.Context) {
	if server.codec == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeAuthUnavailable, "sessions are not configured"))
		return
	}
	var request signUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	user, err := server.users.Create(ctx.Request.Context(), request.Email, request.Password, request.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailTaken):
			ctx.JSON(http.StatusConflict, errorResponse(errorCodeEmailTaken, "email already registered"))
		case errors.Is(err, ErrInvalidCredentials):
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidCreds, err.Error()))
		default:
			server.logger.Error("sign up failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "sign up failed"))
		}
		return
	}
	pair, err := server.startSession(ctx, user)
	if err != nil {
		server.logger.Error("session issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "sign up failed"))
		return
	}
	server.seedSignupCredits(ctx.Request.Context(), pair.AccessToken)
	ctx.JSON(http.StatusCreated, gin.H{"user": userPayload(user)})
}

func (server *Server) handleSignIn(ctx *gin.Context) {
	if server.codec == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeAuthUnavailable, "sessions are not configured"))
		return
	}
	var request signInRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	user, err := server.users.Authenticate(ctx.Request.Context(), request.Email, request.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeInvalidCreds, "invalid email or password"))
			return
		}
		server.logger.Error("sign in failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "sign in failed"))
		return
	}
	if _, err := server.startSession(ctx, user); err != nil {
		server.logger.Error("session issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "sign in failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user": userPayload(user)})
}

func (server *Server) handleSignOut(ctx *gin.Context) {
	authgate.ClearSession(ctx.Writer)
	ctx.Status(http.StatusNoContent)
}

// handleDashboard independently re-verifies the session before reading the
// ledger. The gate in front of this route fails open, so the handler is the
// second line of defense.
func (server *Server) handleDashboard(ctx *gin.Context) {
	identity, accessToken, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	service, ok := server.ledgerService(ctx, accessToken)
	if !ok {
		return
	}
	userCredits, err := service.GetUserCredits(ctx.Request.Context())
	if err != nil {
		if errors.Is(err, credits.ErrLedgerNotFound) {
			ctx.JSON(http.StatusOK, gin.H{
				"page":        "dashboard",
				"user_id":     identity.UserID,
				"needs_setup": true,
			})
			return
		}
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"page":    "dashboard",
		"user_id": identity.UserID,
		"credits": userCredits,
	})
}

func (server *Server) handleBilling(ctx *gin.Context) {
	_, accessToken, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	service, ok := server.ledgerService(ctx, accessToken)
	if !ok {
		return
	}
	params := credits.HistoryParams{
		PageSize:   intQuery(ctx, "page_size"),
		PageOffset: intQuery(ctx, "page_offset"),
	}
	if rawFilter := ctx.Query("filter_type"); rawFilter != "" {
		filter, err := credits.ParseTransactionType(rawFilter)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "unknown transaction type"))
			return
		}
		params.FilterType = filter
	}
	userCredits, err := service.GetUserCredits(ctx.Request.Context())
	if err != nil && !errors.Is(err, credits.ErrLedgerNotFound) {
		server.respondLedgerError(ctx, err)
		return
	}
	history, err := service.GetCreditHistory(ctx.Request.Context(), params)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"page":         "billing",
		"credits":      userCredits,
		"transactions": history,
		"packs":        creditPacks,
	})
}

func (server *Server) handleSettings(ctx *gin.Context) {
	identity, _, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	user, err := server.users.GetByID(ctx.Request.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "account no longer exists"))
			return
		}
		server.logger.Error("settings lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "settings unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"page": "settings", "user": userPayload(user)})
}

func (server *Server) handleSpendOne(ctx *gin.Context) {
	_, accessToken, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	service, ok := server.ledgerService(ctx, accessToken)
	if !ok {
		return
	}
	result := service.SpendOneCredit(ctx.Request.Context())
	server.respondSpendResult(ctx, result)
}

func (server *Server) handleResetCredits(ctx *gin.Context) {
	_, accessToken, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	service, ok := server.ledgerService(ctx, accessToken)
	if !ok {
		return
	}
	if err := service.ResetCredits(ctx.Request.Context(), server.config.ResetTargetCredits); err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "target": server.config.ResetTargetCredits})
}

type purchaseRequest struct {
	Pack string `json:"pack"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	_, accessToken, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	service, ok := server.ledgerService(ctx, accessToken)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	amount, known := creditPacks[request.Pack]
	if !known {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeUnknownPack, "unknown credit pack"))
		return
	}
	_, err := service.EarnCredits(ctx.Request.Context(), credits.EarnParams{
		Amount:      amount,
		Description: purchaseDescription,
		ReferenceID: purchaseReferencePrefix + uuid.NewString(),
		Metadata:    map[string]any{"pack": request.Pack},
	})
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	userCredits, err := service.GetUserCredits(ctx.Request.Context())
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "credits": userCredits})
}

// requireUser re-verifies the session from the request cookies, writing back
// a refreshed pair when one is minted. It does not trust the gate's earlier
// verdict.
func (server *Server) requireUser(ctx *gin.Context) (authgate.Identity, string, bool) {
	if server.verifier == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeAuthUnavailable, "session backend unavailable"))
		return authgate.Identity{}, "", false
	}
	session, present := authgate.ReadSession(ctx.Request)
	if !present {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "sign in required"))
		return authgate.Identity{}, "", false
	}
	identity, pair, refreshed, err := server.verifier.CurrentUser(ctx.Request.Context(), session)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "sign in required"))
		return authgate.Identity{}, "", false
	}
	if refreshed {
		authgate.WriteSession(ctx.Writer, pair, server.codec.AccessTTL(), server.codec.RefreshTTL())
	}
	return identity, pair.AccessToken, true
}

// ledgerService builds a per-request credits service bound to the caller's
// access token.
func (server *Server) ledgerService(ctx *gin.Context, accessToken string) (*credits.Service, bool) {
	if server.ledger == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeLedgerUnavailable, "credits backend not configured"))
		return nil, false
	}
	service, err := credits.NewService(
		server.ledger.ForUser(accessToken),
		credits.WithOperationLogger(&zapOperationLogger{logger: server.logger}),
	)
	if err != nil {
		server.logger.Error("credits service init failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "credits service unavailable"))
		return nil, false
	}
	return service, true
}

// seedSignupCredits provisions the new account's ledger. Failures are logged
// and do not fail the sign-up; the dashboard reports needs_setup until the
// ledger is initialized.
func (server *Server) seedSignupCredits(ctx context.Context, accessToken string) {
	if server.ledger == nil {
		return
	}
	service, err := credits.NewService(server.ledger.ForUser(accessToken))
	if err != nil {
		server.logger.Warn("signup credit seed skipped", zap.Error(err))
		return
	}
	if _, err := service.InitializeUserCredits(ctx); err != nil {
		server.logger.Warn("signup credit seed failed", zap.Error(err))
	}
}

func (server *Server) respondSpendResult(ctx *gin.Context, result credits.SpendResult) {
	if result.Success {
		ctx.JSON(http.StatusOK, gin.H{
			"success":         true,
			"current_credits": result.CurrentCredits,
		})
		return
	}
	if result.Err != nil && errors.Is(result.Err, credits.ErrInsufficientBalance) {
		ctx.JSON(http.StatusConflict, gin.H{
			"success":         false,
			"current_credits": result.CurrentCredits,
			"error": gin.H{
				"code":    "insufficient_credits",
				"message": "credit balance is too low",
			},
		})
		return
	}
	server.respondLedgerError(ctx, result.Err)
}

func (server *Server) respondLedgerError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrLedgerNotFound):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeNeedsSetup, "credits ledger not initialized"))
	case errors.Is(err, credits.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_credits", "credit balance is too low"))
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidTransactionType):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, err.Error()))
	default:
		server.logger.Error("ledger call failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse(errorCodeLedgerError, "credits backend unavailable"))
	}
}

func (server *Server) startSession(ctx *gin.Context, user User) (authgate.SessionPair, error) {
	pair, err := server.codec.IssuePair(authgate.Identity{UserID: user.UserID, Email: user.Email})
	if err != nil {
		return authgate.SessionPair{}, err
	}
	authgate.WriteSession(ctx.Writer, pair, server.codec.AccessTTL(), server.codec.RefreshTTL())
	return pair, nil
}

func userPayload(user User) gin.H {
	return gin.H{
		"id":           user.UserID,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"created_at":   user.CreatedAt,
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

func intQuery(ctx *gin.Context, name string) int {
	raw := ctx.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// zapOperationLogger forwards credits operation logs to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Info("credits operation", fields...)
}

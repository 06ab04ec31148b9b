package authgate

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// State is the per-request authentication state observed by the gate.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateIndeterminate   State = "indeterminate"
)

// ErrSessionInvalid reports a session that failed verification and could not
// be refreshed.
var ErrSessionInvalid = errors.New("session invalid")

// ErrVerifierUnavailable reports that the session backend could not be
// consulted at all.
var ErrVerifierUnavailable = errors.New("session verifier unavailable")

const identityContextKey = "authgate_identity"

// SessionVerifier resolves the current user from a session pair, refreshing
// an expired access token as a side effect. The returned bool reports whether
// a new pair was minted and must be written back to the response.
type SessionVerifier interface {
	CurrentUser(ctx context.Context, session SessionPair) (Identity, SessionPair, bool, error)
}

// Config fixes the gate's path constants and its behavior under uncertainty.
type Config struct {
	ProtectedPrefix string
	SignInPath      string
	LandingPath     string
	DashboardPath   string
	// FailClosed redirects protected-path requests to sign-in when the
	// session backend is unreachable. The default is fail-open: during a
	// backend outage protected paths pass through and rely on the
	// page-level re-verification.
	FailClosed bool
	// Cookie lifetimes for a refreshed session pair.
	AccessCookieTTL  time.Duration
	RefreshCookieTTL time.Duration
}

func (config *Config) applyDefaults() {
	if config.ProtectedPrefix == "" {
		config.ProtectedPrefix = "/protected"
	}
	if config.SignInPath == "" {
		config.SignInPath = "/sign-in"
	}
	if config.LandingPath == "" {
		config.LandingPath = "/"
	}
	if config.DashboardPath == "" {
		config.DashboardPath = config.ProtectedPrefix
	}
	if config.AccessCookieTTL <= 0 {
		config.AccessCookieTTL = defaultAccessTTL
	}
	if config.RefreshCookieTTL <= 0 {
		config.RefreshCookieTTL = defaultRefreshTTL
	}
}

// Decision is the gate's redirect-or-continue verdict for one request.
type Decision struct {
	State    State
	Redirect string
}

// Gate evaluates the authentication state of each incoming request and
// decides redirect-or-continue. A Gate with a nil verifier treats every
// request as indeterminate; this is how missing backend configuration
// degrades instead of crashing.
type Gate struct {
	verifier SessionVerifier
	config   Config
	logger   *zap.Logger
}

// New builds a Gate. verifier may be nil when the session backend is not
// configured.
func New(verifier SessionVerifier, config Config, logger *zap.Logger) *Gate {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{verifier: verifier, config: config, logger: logger}
}

// Decide applies the routing rules for a path given the resolved state.
func (gate *Gate) Decide(path string, state State) Decision {
	decision := Decision{State: state}
	if strings.HasPrefix(path, gate.config.ProtectedPrefix) {
		switch state {
		case StateUnauthenticated:
			decision.Redirect = gate.config.SignInPath
		case StateIndeterminate:
			if gate.config.FailClosed {
				decision.Redirect = gate.config.SignInPath
			}
		}
		return decision
	}
	if path == gate.config.LandingPath && state == StateAuthenticated {
		decision.Redirect = gate.config.DashboardPath
	}
	return decision
}

// Middleware resolves the session (refreshing it when possible), stores the
// identity on the request context, and enforces the gate's decision.
func (gate *Gate) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		state := gate.resolveSession(ctx)
		decision := gate.Decide(ctx.Request.URL.Path, state)
		if decision.Redirect != "" {
			ctx.Redirect(http.StatusSeeOther, decision.Redirect)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

func (gate *Gate) resolveSession(ctx *gin.Context) State {
	if gate.verifier == nil {
		return StateIndeterminate
	}
	session, present := ReadSession(ctx.Request)
	if !present {
		return StateUnauthenticated
	}
	identity, refreshed, refreshedPair, err := gate.currentUser(ctx, session)
	if err != nil {
		if errors.Is(err, ErrVerifierUnavailable) {
			gate.logger.Warn("session backend unavailable", zap.Error(err))
			return StateIndeterminate
		}
		return StateUnauthenticated
	}
	if refreshed {
		WriteSession(ctx.Writer, refreshedPair, gate.config.AccessCookieTTL, gate.config.RefreshCookieTTL)
	}
	ctx.Set(identityContextKey, identity)
	return StateAuthenticated
}

func (gate *Gate) currentUser(ctx *gin.Context, session SessionPair) (Identity, bool, SessionPair, error) {
	identity, pair, refreshed, err := gate.verifier.CurrentUser(ctx.Request.Context(), session)
	if err != nil {
		return Identity{}, false, SessionPair{}, err
	}
	return identity, refreshed, pair, nil
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(ctx *gin.Context) (Identity, bool) {
	value, ok := ctx.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

// CodecVerifier verifies sessions locally against a TokenCodec. An expired
// access token with a valid refresh token yields a freshly minted pair.
type CodecVerifier struct {
	codec *TokenCodec
}

// NewCodecVerifier wraps a codec as a SessionVerifier.
func NewCodecVerifier(codec *TokenCodec) *CodecVerifier {
	return &CodecVerifier{codec: codec}
}

// CurrentUser implements SessionVerifier.
func (verifier *CodecVerifier) CurrentUser(_ context.Context, session SessionPair) (Identity, SessionPair, bool, error) {
	if identity, err := verifier.codec.VerifyAccess(session.AccessToken); err == nil {
		return identity, session, false, nil
	}
	identity, err := verifier.codec.VerifyRefresh(session.RefreshToken)
	if err != nil {
		return Identity{}, SessionPair{}, false, ErrSessionInvalid
	}
	pair, err := verifier.codec.IssuePair(identity)
	if err != nil {
		return Identity{}, SessionPair{}, false, err
	}
	return identity, pair, true, nil
}

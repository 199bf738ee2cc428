package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veriform/gatehouse/internal/auth"
	"github.com/veriform/gatehouse/internal/users"
)

const (
	userIDContextKey    = "gatehouse_user_id"
	userEmailContextKey = "gatehouse_user_email"
)

var (
	errMissingUserService   = errors.New("user service dependency required")
	errMissingSessionCodec  = errors.New("session codec dependency required")
	errMissingOAuthProvider = errors.New("oauth provider dependency required")
	errMissingFrontendURL   = errors.New("frontend url required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenCodec mints and verifies gatehouse session tokens.
type SessionTokenCodec interface {
	Issue(userID, email string, remember bool) (string, error)
	Verify(token string) (auth.SessionClaims, error)
}

// OAuthProvider drives the Google authorization-code flow.
type OAuthProvider interface {
	AuthorizationURL(flow string) string
	Exchange(ctx context.Context, code string) (auth.ExternalIdentity, error)
}

// Dependencies wires the HTTP handler to the auth core.
type Dependencies struct {
	Users          *users.Service
	SessionCodec   SessionTokenCodec
	OAuth          OAuthProvider
	FrontendURL    string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the gin router exposing the auth flows.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.SessionCodec == nil {
		return nil, errMissingSessionCodec
	}
	if deps.OAuth == nil {
		return nil, errMissingOAuthProvider
	}
	if strings.TrimSpace(deps.FrontendURL) == "" {
		return nil, errMissingFrontendURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		users:       deps.Users,
		sessions:    deps.SessionCodec,
		oauth:       deps.OAuth,
		frontendURL: strings.TrimRight(deps.FrontendURL, "/"),
		logger:      logger,
	}

	authGroup := router.Group("/api/auth")
	authGroup.POST("/register", handler.handleRegister)
	authGroup.POST("/login", handler.handleLogin)
	authGroup.GET("/register/google", handler.handleGoogleRegisterStart)
	authGroup.GET("/google/callback/register", handler.handleGoogleRegisterCallback)
	authGroup.GET("/login/google", handler.handleGoogleLoginStart)
	authGroup.GET("/google/callback", handler.handleGoogleLoginCallback)

	protected := authGroup.Group("")
	protected.Use(handler.authorizeRequest)
	protected.POST("/logout", handler.handleLogout)
	protected.GET("/me", handler.handleMe)
	protected.POST("/refresh", handler.handleRefresh)

	return router, nil
}

type httpHandler struct {
	users       *users.Service
	sessions    SessionTokenCodec
	oauth       OAuthProvider
	frontendURL string
	logger      *zap.Logger
}

type registerRequestPayload struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	UserName string `json:"user_name"`
	Password string `json:"password"`
}

type loginRequestPayload struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type userPayload struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	UserName string `json:"user_name"`
	Picture  string `json:"picture,omitempty"`
}

type tokenResponsePayload struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        *userPayload `json:"user,omitempty"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.RegisterWithPassword(request.Email, request.UserName, request.Name, request.Password)
	if err != nil {
		h.respondServiceError(c, err, "password registration failed")
		return
	}

	token, err := h.sessions.Issue(user.ID, user.Email, false)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusCreated, tokenResponsePayload{
		AccessToken: token,
		TokenType:   "bearer",
		User:        presentUser(user),
	})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.AuthenticateWithPassword(request.Email, request.Password)
	if err != nil {
		h.respondServiceError(c, err, "password login failed")
		return
	}

	token, err := h.sessions.Issue(user.ID, user.Email, request.RememberMe)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		TokenType:   "bearer",
		User:        presentUser(user),
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.users.MarkLogout(userID); err != nil {
		h.respondServiceError(c, err, "logout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	user, err := h.users.FindByID(c.GetString(userIDContextKey))
	if err != nil {
		h.respondServiceError(c, err, "current user lookup failed")
		return
	}
	c.JSON(http.StatusOK, presentUser(user))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	email := c.GetString(userEmailContextKey)

	// Refresh requires the subject to still resolve; a deleted account must
	// not be able to mint fresh tokens forever.
	user, err := h.users.FindByID(userID)
	if err != nil {
		h.respondServiceError(c, err, "refresh failed")
		return
	}
	if email == "" {
		email = user.Email
	}

	token, err := h.sessions.Issue(user.ID, email, false)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{AccessToken: token, TokenType: "bearer"})
}

func (h *httpHandler) handleGoogleRegisterStart(c *gin.Context) {
	c.Redirect(http.StatusFound, h.oauth.AuthorizationURL(auth.FlowRegister))
}

func (h *httpHandler) handleGoogleLoginStart(c *gin.Context) {
	c.Redirect(http.StatusFound, h.oauth.AuthorizationURL(auth.FlowLogin))
}

func (h *httpHandler) handleGoogleRegisterCallback(c *gin.Context) {
	identity, ok := h.exchangeCallbackCode(c)
	if !ok {
		return
	}

	user, err := h.users.RegisterWithExternalIdentity(identity)
	if err != nil {
		h.respondServiceError(c, err, "oauth registration failed")
		return
	}
	h.redirectWithToken(c, user)
}

func (h *httpHandler) handleGoogleLoginCallback(c *gin.Context) {
	identity, ok := h.exchangeCallbackCode(c)
	if !ok {
		return
	}

	user, err := h.users.LoginWithExternalIdentity(identity)
	if err != nil {
		h.respondServiceError(c, err, "oauth login failed")
		return
	}
	h.redirectWithToken(c, user)
}

func (h *httpHandler) exchangeCallbackCode(c *gin.Context) (auth.ExternalIdentity, bool) {
	identity, err := h.oauth.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.logger.Warn("external identity exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "external_auth_failed"})
		return auth.ExternalIdentity{}, false
	}
	return identity, true
}

func (h *httpHandler) redirectWithToken(c *gin.Context, user users.User) {
	token, err := h.sessions.Issue(user.ID, user.Email, false)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.Redirect(http.StatusFound, h.frontendURL+"/auth/callback?token="+url.QueryEscape(token))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(userEmailContextKey, claims.Email)
	c.Next()
}

// respondServiceError maps resolver errors onto transport responses. Invalid
// credentials and unresolved subjects collapse to a generic 401; internal
// error text never reaches the caller.
func (h *httpHandler) respondServiceError(c *gin.Context, err error, logMessage string) {
	switch {
	case errors.Is(err, users.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, users.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "account_exists"})
	case errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, auth.ErrExternalAuthFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "external_auth_failed"})
	default:
		h.logger.Error(logMessage, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	h.logger.Warn(logMessage, zap.Error(err))
}

func presentUser(user users.User) *userPayload {
	return &userPayload{
		ID:       user.ID,
		Email:    user.Email,
		Name:     user.DisplayName,
		UserName: user.Handle,
		Picture:  user.AvatarURL,
	}
}

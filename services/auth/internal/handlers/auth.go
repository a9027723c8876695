package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/Dinhviethd/reclaim/libs/metrics"
	"github.com/Dinhviethd/reclaim/services/auth/internal/otp"
	"github.com/Dinhviethd/reclaim/services/auth/internal/rate"
	"github.com/Dinhviethd/reclaim/services/auth/internal/service"
	"github.com/Dinhviethd/reclaim/services/auth/internal/storage"
	"github.com/Dinhviethd/reclaim/services/auth/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const refreshCookieName = "refreshToken"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type AuthHandler struct {
	Service      *service.Service
	Logger       *slog.Logger
	RateLimiter  rate.Limiter
	Clock        Clock
	CookieSecure bool
}

func NewAuthHandler(svc *service.Service, logger *slog.Logger, limiter rate.Limiter, cookieSecure bool) *AuthHandler {
	return &AuthHandler{
		Service:      svc,
		Logger:       logger,
		RateLimiter:  limiter,
		Clock:        systemClock{},
		CookieSecure: cookieSecure,
	}
}

func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	auth.POST("/register", h.Register)
	auth.POST("/login", h.Login)
	auth.POST("/refresh-token", h.Refresh)
	auth.POST("/forgot-password", h.ForgotPassword)
	auth.POST("/verify-otp", h.VerifyOTP)
	auth.POST("/reset-password", h.ResetPassword)

	protected := auth.Group("", h.RequireAuth())
	protected.GET("/me", h.Me)
	protected.POST("/logout", h.Logout)
}

type registerRequest struct {
	Name            string  `json:"name" binding:"required,min=2"`
	Email           string  `json:"email" binding:"required,email"`
	Password        string  `json:"password" binding:"required,min=6"`
	ConfirmPassword string  `json:"confirmPassword" binding:"required,eqfield=Password"`
	Phone           *string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type verifyOTPRequest struct {
	Email string `json:"email" binding:"required,email"`
	OTP   string `json:"otp" binding:"required,len=6,numeric"`
}

type resetPasswordRequest struct {
	Email           string `json:"email" binding:"required,email"`
	OTP             string `json:"otp" binding:"required,len=6,numeric"`
	NewPassword     string `json:"newPassword" binding:"required,min=6"`
	ConfirmPassword string `json:"confirmPassword" binding:"required,eqfield=NewPassword"`
}

type userResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	AvatarURL     *string   `json:"avatarUrl,omitempty"`
	Phone         *string   `json:"phone,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type authData struct {
	User         userResponse `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

type tokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type apiError struct {
	Success bool              `json:"success"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	result, err := h.Service.Register(c.Request.Context(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
	})
	if err != nil {
		h.respondError(c, "register", err)
		return
	}

	h.setRefreshCookie(c, result.Tokens.RefreshToken)
	metrics.AuthFlowCount.WithLabelValues("register", "success").Inc()
	c.JSON(http.StatusCreated, apiResponse{
		Success: true,
		Message: "registered",
		Data: authData{
			User:         toUserResponse(result.User),
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
		},
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	if !h.allow(c, "login") {
		return
	}

	result, err := h.Service.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, "login", err)
		return
	}

	h.setRefreshCookie(c, result.Tokens.RefreshToken)
	metrics.AuthFlowCount.WithLabelValues("login", "success").Inc()
	c.JSON(http.StatusOK, apiResponse{
		Success: true,
		Message: "logged in",
		Data: authData{
			User:         toUserResponse(result.User),
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
		},
	})
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken, _ := c.Cookie(refreshCookieName)
	if refreshToken == "" {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			refreshToken = req.RefreshToken
		}
	}
	if refreshToken == "" {
		c.JSON(http.StatusBadRequest, apiError{Code: "MISSING_REFRESH_TOKEN", Message: "refresh token is required"})
		return
	}

	pair, err := h.Service.Refresh(c.Request.Context(), refreshToken)
	if err != nil {
		h.respondError(c, "refresh", err)
		return
	}

	h.setRefreshCookie(c, pair.RefreshToken)
	metrics.AuthFlowCount.WithLabelValues("refresh", "success").Inc()
	c.JSON(http.StatusOK, apiResponse{
		Success: true,
		Message: "token refreshed",
		Data:    tokenData{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
	})
}

func (h *AuthHandler) Me(c *gin.Context) {
	subject, ok := subjectFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apiError{Code: "UNAUTHORIZED", Message: "missing user"})
		return
	}

	user, err := h.Service.CurrentUser(c.Request.Context(), subject)
	if err != nil {
		h.respondError(c, "me", err)
		return
	}

	c.JSON(http.StatusOK, apiResponse{Success: true, Data: toUserResponse(user)})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	h.clearRefreshCookie(c)
	c.JSON(http.StatusOK, apiResponse{Success: true, Message: "logged out"})
}

func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	if !h.allow(c, "forgot_password") {
		return
	}

	if err := h.Service.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.respondError(c, "forgot_password", err)
		return
	}

	metrics.AuthFlowCount.WithLabelValues("forgot_password", "success").Inc()
	c.JSON(http.StatusOK, apiResponse{Success: true, Message: "otp sent"})
}

func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	var req verifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	if err := h.Service.VerifyOTP(c.Request.Context(), req.Email, req.OTP); err != nil {
		h.respondError(c, "verify_otp", err)
		return
	}

	metrics.AuthFlowCount.WithLabelValues("verify_otp", "success").Inc()
	c.JSON(http.StatusOK, apiResponse{Success: true, Message: "otp valid", Data: gin.H{"valid": true}})
}

func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	if err := h.Service.ResetPassword(c.Request.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		h.respondError(c, "reset_password", err)
		return
	}

	metrics.AuthFlowCount.WithLabelValues("reset_password", "success").Inc()
	c.JSON(http.StatusOK, apiResponse{Success: true, Message: "password reset"})
}

const contextSubjectKey = "auth_subject"

// RequireAuth verifies the bearer access token and stores the subject on the
// request context.
func (h *AuthHandler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := extractBearer(c.GetHeader("Authorization"))
		if bearer == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Code: "UNAUTHORIZED", Message: "missing token"})
			return
		}

		subject, err := h.Service.Issuer.Verify(bearer, token.KindAccess, h.Clock.Now())
		if err != nil {
			code := "UNAUTHORIZED"
			message := "invalid token"
			if errors.Is(err, token.ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
				message = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Code: code, Message: message})
			return
		}

		c.Set(contextSubjectKey, subject)
		c.Next()
	}
}

func subjectFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextSubjectKey)
	if !ok {
		return "", false
	}
	subject, ok := v.(string)
	return subject, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *AuthHandler) allow(c *gin.Context, flow string) bool {
	allowed, retryAfter, err := h.RateLimiter.Allow(c.Request.Context(), c.ClientIP(), h.Clock.Now())
	if err != nil {
		h.Logger.Error("rate limiter failed", "flow", flow, "error", err)
		// Fail open: auth availability over throttling precision.
		return true
	}
	if !allowed {
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, apiError{Code: "RATE_LIMITED", Message: "too many requests"})
		return false
	}
	return true
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, refreshToken string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, refreshToken, int(h.Service.Issuer.RefreshTTL().Seconds()), "/", "", h.CookieSecure, true)
}

func (h *AuthHandler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, "", -1, "/", "", h.CookieSecure, true)
}

func (h *AuthHandler) bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fieldName(fe.Field())] = validationMessage(fe)
		}
		c.JSON(http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "invalid input", Fields: fields})
		return
	}
	c.JSON(http.StatusBadRequest, apiError{Code: "INVALID_REQUEST", Message: "invalid payload"})
}

func fieldName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "eqfield":
		return "must match " + fieldName(fe.Param())
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "numeric":
		return "must be numeric"
	default:
		return "is invalid"
	}
}

// respondError maps domain errors to transport codes in one place; anything
// unrecognized is a 500 with a generic message.
func (h *AuthHandler) respondError(c *gin.Context, flow string, err error) {
	var status int
	var body apiError

	switch {
	case errors.Is(err, service.ErrDuplicateEmail):
		status, body = http.StatusBadRequest, apiError{Code: "DUPLICATE_IDENTITY", Message: "email already registered"}
	case errors.Is(err, service.ErrInvalidCredentials):
		status, body = http.StatusUnauthorized, apiError{Code: "INVALID_CREDENTIALS", Message: "invalid email or password"}
	case errors.Is(err, service.ErrInvalidRefreshToken):
		h.clearRefreshCookie(c)
		status, body = http.StatusUnauthorized, apiError{Code: "INVALID_REFRESH_TOKEN", Message: "refresh token invalid or expired"}
	case errors.Is(err, service.ErrUserNotFound):
		status, body = http.StatusNotFound, apiError{Code: "NOT_FOUND", Message: "no account found for this email"}
	case errors.Is(err, otp.ErrNoActiveChallenge):
		status, body = http.StatusBadRequest, apiError{Code: "NO_ACTIVE_CHALLENGE", Message: "no password reset was requested"}
	case errors.Is(err, otp.ErrChallengeExpired):
		status, body = http.StatusBadRequest, apiError{Code: "CHALLENGE_EXPIRED", Message: "otp has expired, request a new one"}
	case errors.Is(err, otp.ErrCodeMismatch):
		status, body = http.StatusBadRequest, apiError{Code: "CODE_MISMATCH", Message: "otp is incorrect"}
	case errors.Is(err, service.ErrDeliveryFailed):
		status, body = http.StatusBadGateway, apiError{Code: "DELIVERY_FAILED", Message: "could not send otp email"}
	default:
		h.Logger.Error("auth flow failed", "flow", flow, "error", err)
		status, body = http.StatusInternalServerError, apiError{Code: "INTERNAL_ERROR", Message: "internal error"}
	}

	metrics.AuthFlowCount.WithLabelValues(flow, body.Code).Inc()
	c.JSON(status, body)
}

func toUserResponse(user *storage.User) userResponse {
	return userResponse{
		ID:            user.ID.String(),
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		AvatarURL:     user.AvatarURL,
		Phone:         user.Phone,
		CreatedAt:     user.CreatedAt,
	}
}

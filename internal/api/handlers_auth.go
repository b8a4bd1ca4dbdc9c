// handlers_auth.go - Registration, login and account handlers
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/identity"
	"github.com/synapse-lab/backend/internal/models"
	"go.uber.org/zap"
)

// AuthHandlerImpl implements the AuthHandler interface
type AuthHandlerImpl struct {
	ids          IdentityService
	secureCookie bool
	logger       *zap.Logger
}

// NewAuthHandler creates a new auth handler instance
func NewAuthHandler(ids IdentityService, secureCookie bool, logger *zap.Logger) AuthHandler {
	return &AuthHandlerImpl{
		ids:          ids,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleRegister creates an account and logs it in
func (h *AuthHandlerImpl) HandleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	sc, err := h.ids.Register(c.Request().Context(), req.Email, req.Password, req.Name)
	if err != nil {
		return FromError(err)
	}

	h.setCookie(c, sc.Session.ID, sc.Session.ExpiresAt)
	return c.JSON(http.StatusCreated, newSessionResponse(sc))
}

// HandleLogin opens a new session for valid credentials
func (h *AuthHandlerImpl) HandleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	sc, err := h.ids.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login rejected", zap.String("email", strings.ToLower(req.Email)))
		return FromError(err)
	}

	h.setCookie(c, sc.Session.ID, sc.Session.ExpiresAt)
	return c.JSON(http.StatusOK, newSessionResponse(sc))
}

// HandleMe returns the user of the current session
func (h *AuthHandlerImpl) HandleMe(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

// HandleLogout ends the current session
func (h *AuthHandlerImpl) HandleLogout(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	if err := h.ids.Logout(c.Request().Context(), sc.Session.ID); err != nil {
		return FromError(err)
	}

	h.setCookie(c, "", time.Unix(0, 0))
	return c.NoContent(http.StatusNoContent)
}

// HandleUpdateName changes the display name of the current user
func (h *AuthHandlerImpl) HandleUpdateName(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}

	var req updateNameRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return NewValidationError("name")
	}

	user, err := h.ids.UpdateName(c.Request().Context(), sc.User.ID, req.Name)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, user)
}

// HandleUpdatePassword replaces the password of the current user
func (h *AuthHandlerImpl) HandleUpdatePassword(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}

	var req updatePasswordRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	if err := h.ids.UpdatePassword(c.Request().Context(), sc.User.ID, req.NewPassword, req.OldPassword); err != nil {
		return FromError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandlerImpl) setCookie(c echo.Context, token string, expires time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Request/Response types

type sessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      models.User `json:"user"`
}

func newSessionResponse(sc *identity.SessionContext) sessionResponse {
	return sessionResponse{
		Token:     sc.Session.ID,
		ExpiresAt: sc.Session.ExpiresAt,
		User:      sc.User,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (r *registerRequest) validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return NewValidationError("email")
	}
	if r.Password == "" {
		return NewValidationError("password")
	}
	if strings.TrimSpace(r.Name) == "" {
		return NewValidationError("name")
	}
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *loginRequest) validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return NewValidationError("email")
	}
	if r.Password == "" {
		return NewValidationError("password")
	}
	return nil
}

type updateNameRequest struct {
	Name string `json:"name"`
}

type updatePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (r *updatePasswordRequest) validate() error {
	if r.OldPassword == "" {
		return NewValidationError("oldPassword")
	}
	if r.NewPassword == "" {
		return NewValidationError("newPassword")
	}
	return nil
}

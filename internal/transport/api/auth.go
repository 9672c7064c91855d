package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"chatbot-crm-bridge/internal/domain"
	_interface "chatbot-crm-bridge/internal/repository/interface"
	"chatbot-crm-bridge/internal/transport/middleware"
)

type AuthAPI struct {
	repo _interface.IntegrationRepository
	auth *middleware.AuthMiddleware
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

func NewAuthAPI(repo _interface.IntegrationRepository, auth *middleware.AuthMiddleware) *AuthAPI {
	return &AuthAPI{repo: repo, auth: auth}
}

func (a *AuthAPI) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	user, err := a.repo.FindUserByEmail(c.Request().Context(), req.Email)
	if err != nil || !middleware.CheckPassword(req.Password, user.PasswordHash) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	token, err := a.auth.GenerateJWT(user.ID, user.OrgID, user.Role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
	}
	return c.JSON(http.StatusOK, LoginResponse{Token: token, User: user})
}

func (a *AuthAPI) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.Email == "" || len(req.Password) < 8 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "email and password of 8+ characters required"})
	}

	hash, err := middleware.HashPassword(req.Password)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to hash password"})
	}

	// Регистрация создает новую организацию
	user := &domain.User{
		OrgID:        uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
		Role:         "admin",
	}
	if err := a.repo.CreateUser(c.Request().Context(), user); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": "user already exists"})
	}

	token, err := a.auth.GenerateJWT(user.ID, user.OrgID, user.Role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
	}
	return c.JSON(http.StatusCreated, LoginResponse{Token: token, User: user})
}

func (a *AuthAPI) Me(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
	}
	user, err := a.repo.FindUserByID(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
	}
	return c.JSON(http.StatusOK, user)
}

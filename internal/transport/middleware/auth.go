package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// AuthMiddleware - аутентификация админ-API.
// JWT для пользователей панели, статический сервисный ключ для
// межсервисных вызовов платформы (оркестратор ботов дергает /sync сам).
type AuthMiddleware struct {
	jwtSecret  []byte
	serviceKey string
}

// NewAuthMiddleware создает middleware
func NewAuthMiddleware(jwtSecret, serviceKey string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret:  []byte(jwtSecret),
		serviceKey: serviceKey,
	}
}

// RequireAuth пускает запрос по JWT либо по сервисному ключу
func (m *AuthMiddleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if key := c.Request().Header.Get("X-API-Key"); key != "" {
			if m.serviceKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(m.serviceKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			}
			c.Set("user_role", "service")
			return next(c)
		}

		token := extractToken(c.Request())
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
		}

		claims, err := m.validateJWT(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}

		c.Set("user_id", claims["user_id"])
		c.Set("org_id", claims["org_id"])
		c.Set("user_role", claims["role"])
		return next(c)
	}
}

// GenerateJWT выпускает токен пользователя с привязкой к организации
func (m *AuthMiddleware) GenerateJWT(userID, orgID, role string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"org_id":  orgID,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

func (m *AuthMiddleware) validateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, echo.ErrUnauthorized
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, echo.ErrUnauthorized
}

// OrgID возвращает организацию аутентифицированного запроса
func OrgID(c echo.Context) string {
	if v, ok := c.Get("org_id").(string); ok {
		return v
	}
	return ""
}

// HashPassword хеширует пароль
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword проверяет пароль
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func extractToken(r *http.Request) string {
	bearToken := r.Header.Get("Authorization")
	parts := strings.Split(bearToken, " ")
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

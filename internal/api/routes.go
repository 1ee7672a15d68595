package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/meetmind/server/internal/auth"
	"github.com/meetmind/server/internal/websocket"
)

// InitRoutes initializes all API routes. The token endpoint is only
// registered when apiKey is set.
func InitRoutes(e *echo.Echo, hub *websocket.Hub, issuer *auth.Issuer, apiKey string, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:        "ok",
			Service:       "meetmind-asr-gateway",
			ActiveStreams: hub.Count(),
		})
	})

	if apiKey != "" {
		v1 := e.Group("/api/v1")
		v1.POST("/token", func(c echo.Context) error {
			return issueToken(c, issuer, apiKey, logger)
		})
	}

	// WebSocket endpoint with JWT validation
	e.GET("/ws/asr", func(c echo.Context) error {
		return streamWithAuth(hub, issuer, c, logger)
	})
}

// issueToken exchanges the service API key for a stream token
func issueToken(c echo.Context, issuer *auth.Issuer, apiKey string, logger *zap.Logger) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.ClientID == "" || req.APIKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "client_id and api_key are required",
		})
	}

	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(apiKey)) != 1 {
		logger.Warn("Token request rejected", zap.String("client_id", req.ClientID))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid API key",
		})
	}

	token, expiresAt, err := issuer.GenerateStreamToken(req.ClientID)
	if err != nil {
		logger.Error("Failed to generate stream token",
			zap.String("client_id", req.ClientID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Stream token issued", zap.String("client_id", req.ClientID))

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		ClientID:  req.ClientID,
	})
}

// bearerToken extracts the JWT from the Authorization header, falling back to
// the token query parameter for clients that cannot set headers.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		return token
	}
	return c.QueryParam("token")
}

// streamWithAuth handles recognition stream connections with JWT authentication
func streamWithAuth(hub *websocket.Hub, issuer *auth.Issuer, c echo.Context, logger *zap.Logger) error {
	token := bearerToken(c)
	if token == "" {
		logger.Warn("Stream connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header or token query parameter",
		})
	}

	claims, err := issuer.ValidateStreamToken(token)
	if err != nil {
		logger.Warn("Stream connection rejected: invalid token", zap.Error(err))
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrInvalidRole) {
			status = http.StatusForbidden
		}
		return c.JSON(status, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	logger.Info("Stream connection authenticated", zap.String("client_id", claims.ClientID))

	return websocket.HandleStream(hub, c, claims.ClientID, logger)
}

package api

import "time"

// TokenRequest represents the request payload for stream token issuance
type TokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// TokenResponse represents the response payload for stream token issuance
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
}

// HealthResponse represents the health check payload
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	ActiveStreams int    `json:"active_streams"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

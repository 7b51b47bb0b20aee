package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablecam/native/internal/handlers"
	"tablecam/native/internal/middleware"
)

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:8080/ws/store":      "http://localhost:8080",
		"wss://signal.example.com/ws/store": "https://signal.example.com",
		"http://localhost:8080/":            "http://localhost:8080",
	}
	for in, want := range tests {
		assert.Equal(t, want, BaseURL(in), in)
	}
}

func TestLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/auth/login", handlers.Login("secret"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	token, err := NewClient(srv.URL).Login(context.Background(), "dave", "pw")
	require.NoError(t, err)

	userID, err := middleware.ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "dave", userID)
}

func TestLogin_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Login(context.Background(), "dave", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 503")
}

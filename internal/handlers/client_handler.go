package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"droptracker/internal/logging"
	"droptracker/internal/services"

	"github.com/gin-gonic/gin"
)

type ClientHandler struct {
	authService *services.AuthService
	log         *slog.Logger
}

func NewClientHandler(authService *services.AuthService) *ClientHandler {
	return &ClientHandler{
		authService: authService,
		log:         logging.Component("clients"),
	}
}

// RegisterClient handles plugin client registration
// @Summary Register a new plugin client
// @Description Register a game-client plugin and issue its API key and token
// @Tags clients
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Client registration data"
// @Success 201 {object} RegisterResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/register [post]
func (h *ClientHandler) RegisterClient(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	reg, err := h.authService.RegisterClient(c.Request.Context(), req.Name, req.Email)
	if errors.Is(err, services.ErrEmailTaken) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Email already registered"})
		return
	}
	if err != nil {
		h.log.Error("client registration failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to register client"})
		return
	}
	h.log.Info("client registered", "client_id", reg.Client.ClientID, "ip", h.authService.GetClientIPv4(c))

	c.JSON(http.StatusCreated, RegisterResponse{
		ClientID:  reg.Client.ClientID,
		Name:      reg.Client.Name,
		Email:     reg.Client.Email,
		APIKey:    reg.APIKey,
		Token:     reg.Token,
		CreatedAt: reg.Client.CreatedAt,
	})
}

// Request/Response structures
type RegisterRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

type RegisterResponse struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	APIKey    string    `json:"api_key"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

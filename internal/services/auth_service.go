package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"droptracker/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrInvalidToken  = errors.New("invalid token")
	ErrEmailTaken    = errors.New("email already registered")
)

const issuer = "droptracker"

// AuthService issues and checks credentials for plugin clients.
type AuthService struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
}

func NewAuthService(db *gorm.DB, secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		db:     db,
		secret: []byte(secret),
		ttl:    ttl,
	}
}

type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Registration is returned once; the API key is not recoverable afterwards.
type Registration struct {
	Client models.Client
	APIKey string
	Token  string
}

// RegisterClient creates a plugin client. The API key has the form
// "<client id>.<secret>" and only its bcrypt hash is stored.
func (s *AuthService) RegisterClient(ctx context.Context, name, email string) (*Registration, error) {
	db := s.db.WithContext(ctx)

	var existing models.Client
	err := db.Where("email = ?", email).First(&existing).Error
	if err == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	clientID := uuid.New().String()
	secret := uuid.New().String()

	hashed, err := s.HashAPIKey(secret)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	client := models.Client{
		ClientID:   clientID,
		Name:       name,
		Email:      email,
		APIKeyHash: hashed,
	}
	if err := db.Create(&client).Error; err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	token, err := s.GenerateToken(clientID)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	return &Registration{
		Client: client,
		APIKey: clientID + "." + secret,
		Token:  token,
	}, nil
}

func (s *AuthService) GenerateToken(clientID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAPIKey looks up the client named in the key and checks the secret
// against the stored hash.
func (s *AuthService) ValidateAPIKey(ctx context.Context, apiKey string) (*models.Client, error) {
	clientID, secret, ok := strings.Cut(apiKey, ".")
	if !ok || clientID == "" || secret == "" {
		return nil, ErrInvalidAPIKey
	}

	var client models.Client
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client: %w", err)
	}

	if !s.CheckAPIKeyHash(secret, client.APIKeyHash) {
		return nil, ErrInvalidAPIKey
	}
	return &client, nil
}

func (s *AuthService) HashAPIKey(apiKey string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	return string(bytes), err
}

func (s *AuthService) CheckAPIKeyHash(apiKey, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey))
	return err == nil
}

func (s *AuthService) GetClientIPv4(c *gin.Context) string {
	ip := c.ClientIP()

	switch ip {
	case "::1":
		return "127.0.0.1"
	default:
		if strings.HasPrefix(ip, "::ffff:") {
			return ip[7:]
		}
	}

	return ip
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const blobIDKey contextKey = "uploadBlobID"

// UploadAudience is the audience of every upload token.
const UploadAudience = "blob-upload"

var (
	ErrMissingSecret = errors.New("missing upload token secret")
	ErrInvalidToken  = errors.New("invalid upload token")
)

// GetBlobID retrieves the blob an upload token was issued for from context.
func GetBlobID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(blobIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// UploadTokens issues and verifies short lived HMAC tokens that authorize a
// single blob upload.
type UploadTokens struct {
	secret []byte
	now    func() time.Time
}

// NewUploadTokens creates a token codec for secret.
func NewUploadTokens(secret string) (*UploadTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &UploadTokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for blobID that expires after ttl.
func (t *UploadTokens) Issue(blobID string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   blobID,
		Audience:  jwt.ClaimStrings{UploadAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature, audience and expiry and returns the blob id.
func (t *UploadTokens) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithAudience(UploadAudience), jwt.WithExpirationRequired(), jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// UploadTokenMiddleware admits requests whose token, passed as the "token"
// query parameter or a bearer header, was issued for the :blob_id route
// parameter.
func UploadTokenMiddleware(tokens *UploadTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimSpace(c.Query("token"))
		if tokenString == "" {
			var err error
			tokenString, err = extractBearerToken(c.Request.Header.Get("Authorization"))
			if err != nil {
				unauthorized(c, err.Error())
				return
			}
		}

		blobID, err := tokens.Verify(tokenString)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		if blobID != c.Param("blob_id") {
			unauthorized(c, "token was issued for another blob")
			return
		}

		ctx := context.WithValue(c.Request.Context(), blobIDKey, blobID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(blobIDKey), blobID)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("upload token required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"description": message})
}

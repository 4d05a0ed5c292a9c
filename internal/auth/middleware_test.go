package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newTestRouter(t *testing.T, tokens *UploadTokens) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.PUT("/v1/uploads/:blob_id", UploadTokenMiddleware(tokens), func(c *gin.Context) {
		blobID, ok := GetBlobID(c.Request.Context())
		if !ok {
			t.Fatal("expected blob id in context")
		}
		c.String(http.StatusOK, blobID)
	})
	return router
}

func TestUploadTokensRoundTrip(t *testing.T) {
	tokens, err := NewUploadTokens("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token, err := tokens.Issue("blob-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	blobID, err := tokens.Verify(token)
	if err != nil || blobID != "blob-1" {
		t.Fatalf("expected blob-1, got %q, %v", blobID, err)
	}
}

func TestUploadTokensRejectExpiredAndForeignTokens(t *testing.T) {
	tokens, _ := NewUploadTokens("secret")
	issuedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issuedAt }
	expired, _ := tokens.Issue("blob-1", 30*time.Second)
	tokens.now = func() time.Time { return issuedAt.Add(time.Minute) }
	if _, err := tokens.Verify(expired); err != ErrInvalidToken {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other, _ := NewUploadTokens("other-secret")
	foreign, _ := other.Issue("blob-1", time.Minute)
	tokens.now = time.Now
	if _, err := tokens.Verify(foreign); err != ErrInvalidToken {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}

	wrongAudience, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "blob-1",
		Audience:  jwt.ClaimStrings{"api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	if _, err := tokens.Verify(wrongAudience); err != ErrInvalidToken {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestNewUploadTokensRequiresSecret(t *testing.T) {
	if _, err := NewUploadTokens("  "); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestUploadTokenMiddleware(t *testing.T) {
	tokens, _ := NewUploadTokens("secret")
	token, _ := tokens.Issue("blob-1", time.Minute)
	router := newTestRouter(t, tokens)

	cases := map[string]struct {
		path   string
		header string
		want   int
	}{
		"query token":    {path: "/v1/uploads/blob-1?token=" + token, want: http.StatusOK},
		"bearer token":   {path: "/v1/uploads/blob-1", header: "Bearer " + token, want: http.StatusOK},
		"missing token":  {path: "/v1/uploads/blob-1", want: http.StatusUnauthorized},
		"other blob":     {path: "/v1/uploads/blob-2?token=" + token, want: http.StatusUnauthorized},
		"garbage token":  {path: "/v1/uploads/blob-1?token=abc", want: http.StatusUnauthorized},
		"invalid header": {path: "/v1/uploads/blob-1", header: "Basic abc", want: http.StatusUnauthorized},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/learnward/lms/internal/rbac"
)

type AuthService struct{ hmac []byte }

func NewAuthService(secret string) *AuthService { return &AuthService{hmac: []byte(secret)} }

type Claims struct {
	Sub string `json:"sub"` // user ID
	jwt.RegisteredClaims
}

func (a *AuthService) IssueJWT(sub string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Sub: sub,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "learnward",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(8 * time.Hour)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.hmac, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	c, _ := token.Claims.(*Claims)
	return c, nil
}

// POST /auth/login  { "username": "...", "password": "..." }
// Verifies against the users table; course roles are resolved per request
// from course_participants, never baked into the token.
func LoginHandler(a *AuthService, db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		var id, hash string
		err := db.QueryRowContext(r.Context(),
			`SELECT id, password_hash FROM users WHERE username=$1`, req.Username).Scan(&id, &hash)
		if errors.Is(err, sql.ErrNoRows) ||
			(err == nil && bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
		tok, err := a.IssueJWT(id)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok})
	}
}

// JWTMiddleware authenticates the bearer token and puts the subject into the
// request context for the capability checks downstream.
func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			claims, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil || claims.Sub == "" {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			ctx := rbac.WithSubject(r.Context(), claims.Sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin    = "admin"
	RoleOfficial = "official"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Department string
}

func (e ForbiddenError) Error() string {
	if e.Department != "" {
		return fmt.Sprintf("permission %s required for department %s", e.Permission, e.Department)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the acting identity. Officials are scoped to one department.
type Principal struct {
	ActorID    string   `json:"actor_id"`
	Department string   `json:"department,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// System is used by the escalation scheduler.
var System = Principal{ActorID: "system:scheduler", Roles: []string{RoleAdmin}}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

func (p Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// CanAct reports an error unless p may mutate grievances of department.
func (p Principal) CanAct(department, perm string) error {
	if p.IsAdmin() {
		return nil
	}
	if p.ActorID != "" && p.Department != "" && strings.EqualFold(p.Department, department) {
		return nil
	}
	return ForbiddenError{Permission: perm, Department: department}
}

// RequireAdmin guards cross-department operations.
func (p Principal) RequireAdmin(perm string) error {
	if p.IsAdmin() {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

type Claims struct {
	jwt.RegisteredClaims
	Department string   `json:"department,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// IssueToken signs an HS256 token for p.
func IssueToken(secret string, p Principal, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if p.ActorID == "" {
		return "", errors.New("actor id required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ActorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Department: strings.ToLower(strings.TrimSpace(p.Department)),
		Roles:      p.Roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 token and returns its principal.
func ParseToken(secret, token string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Department: claims.Department, Roles: claims.Roles}, nil
}

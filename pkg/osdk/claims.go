package osdk

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is what the CLI can read from an API token without the
// signing secret.
type TokenClaims struct {
	ID    string
	Email string
	Roles []string
	Iss   string
	Exp   int64
}

func ParseTokenClaims(tokenStr string) (jwt.MapClaims, error) {
	var claims jwt.MapClaims
	parser := new(jwt.Parser)
	_, _, err := parser.ParseUnverified(tokenStr, &claims)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func ParseToken(tokenStr string) (*TokenClaims, error) {
	mc, err := ParseTokenClaims(tokenStr)
	if err != nil {
		return nil, err
	}

	tc := &TokenClaims{}
	if sub, ok := mc["sub"]; ok {
		switch v := sub.(type) {
		case string:
			tc.ID = v
		case float64:
			tc.ID = strconv.FormatInt(int64(v), 10)
		default:
			tc.ID = fmt.Sprintf("%v", v)
		}
	}
	if email, ok := mc["email"].(string); ok {
		tc.Email = email
	}
	if roles, ok := mc["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				tc.Roles = append(tc.Roles, s)
			}
		}
	}
	if iss, ok := mc["iss"].(string); ok {
		tc.Iss = iss
	}
	if exp, ok := mc["exp"].(float64); ok {
		tc.Exp = int64(exp)
	}
	return tc, nil
}

// IsTokenExpired reports whether the token expires within skew. Tokens
// without exp never expire.
func IsTokenExpired(tokenStr string, skew time.Duration) (bool, error) {
	tc, err := ParseToken(tokenStr)
	if err != nil {
		return false, err
	}
	if tc.Exp == 0 {
		return false, nil
	}
	return time.Now().Add(skew).After(time.Unix(tc.Exp, 0)), nil
}

package utils

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// FormatMoney renders an amount as a dollar string with thousands
// separators, e.g. 12345.6 -> "$12,345.60".
func FormatMoney(amount float64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := fmt.Sprintf("%.2f", amount)
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]

	var b strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	out := "$" + b.String() + "." + parts[1]
	if neg {
		return "-" + out
	}
	return out
}

// FormatDate renders a date for notification messages, e.g. "5 Mar 2025".
func FormatDate(t time.Time) string {
	return t.Format("2 Jan 2006")
}

// HashAPIKey produces a bcrypt hash suitable for JOB_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyAPIKey checks a presented key against either a bcrypt hash or a
// plaintext configured key. The hash takes precedence when both are set.
func VerifyAPIKey(presented, plaintext, hash string) bool {
	if presented == "" {
		return false
	}
	if hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
	}
	if plaintext == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(plaintext)) == 1
}

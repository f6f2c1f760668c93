package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ComputeSHA256 computes the SHA256 hash of data
func ComputeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeSHA256FromReader computes SHA256 hash from an io.Reader
func ComputeSHA256FromReader(reader io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// FormatSHA256 renders a hex digest in its canonical prefixed form
func FormatSHA256(digest string) string {
	return "sha256:" + digest
}

// ContentTypeForKey guesses a content type from the key's extension,
// falling back to application/octet-stream.
func ContentTypeForKey(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// SanitizeKey normalizes an artifact key to a clean, slash-separated
// relative path.
func SanitizeKey(key string) string {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "." {
		return ""
	}
	return key
}

// GenerateDownloadToken mints a short-lived token granting access to one
// artifact key.
func GenerateDownloadToken(key, secret string, expiration time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"key": key,
		"exp": time.Now().Add(expiration).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateDownloadToken validates a download token and returns the artifact
// key it grants access to.
func ValidateDownloadToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		key, ok := claims["key"].(string)
		if !ok || key == "" {
			return "", fmt.Errorf("invalid key claim")
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid token")
}

// FormatBytes formats byte size in human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	suffixes := []string{"KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), suffixes[exp])
}

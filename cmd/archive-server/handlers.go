package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/internal/archive"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/pkg/config"
	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

func setupRouter(session *archive.Session, authCfg *config.AuthConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{session: session, auth: authCfg}

	router.GET("/healthz", h.health)
	router.GET("/list", h.list)
	router.GET("/token", h.token)
	router.GET("/file", h.fileByToken)
	router.HEAD("/file", h.fileByToken)
	router.HEAD("/archive/*key", h.stat)
	router.GET("/archive/*key", h.get)
	router.PUT("/archive/*key", h.put)

	return router
}

type handlers struct {
	session *archive.Session
	auth    *config.AuthConfig
}

// statusFor maps core error kinds to response codes without collapsing
// them into a generic failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformedURI):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrIntegrityConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrIntegrityViolation):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handlers) artifactURI(c *gin.Context) string {
	key := utils.SanitizeKey(c.Param("key"))
	u := h.session.Root().Child(key)
	u.Revision = c.Query("rev")
	return u.String()
}

func setMetadataHeaders(c *gin.Context, m *types.ArtifactMetadata) {
	c.Header(storage.HeaderKey, m.Key)
	c.Header(storage.HeaderSha256, utils.FormatSHA256(m.ContentHash))
	c.Header(storage.HeaderSize, strconv.FormatInt(m.Size, 10))
	c.Header(storage.HeaderRevision, m.RevisionID)
	c.Header("Content-Type", m.ContentType)
	c.Header("Last-Modified", m.CreatedAt.UTC().Format(http.TimeFormat))
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "root": h.session.Root().String()})
}

func (h *handlers) stat(c *gin.Context) {
	m, err := h.session.Stat(c.Request.Context(), h.artifactURI(c))
	if err != nil {
		c.Status(statusFor(err))
		return
	}
	setMetadataHeaders(c, m)
	c.Status(http.StatusOK)
}

func (h *handlers) get(c *gin.Context) {
	data, m, err := h.session.Get(c.Request.Context(), h.artifactURI(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	setMetadataHeaders(c, m)
	c.Data(http.StatusOK, m.ContentType, data)
}

func (h *handlers) put(c *gin.Context) {
	m, err := h.session.WriteOnce(c.Request.Context(), h.artifactURI(c), c.Request.Body)
	if err != nil {
		abortWith(c, err)
		return
	}
	setMetadataHeaders(c, m)
	c.JSON(http.StatusCreated, m)
}

// list streams NDJSON metadata records for every artifact under the prefix.
func (h *handlers) list(c *gin.Context) {
	prefix := utils.SanitizeKey(c.Query("prefix"))
	target := h.session.Root()
	if prefix != "" {
		target = target.Child(prefix)
	}

	listing := h.session.List(c.Request.Context(), target.String())

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	for listing.Next() {
		if err := enc.Encode(listing.Item()); err != nil {
			return
		}
		c.Writer.Flush()
	}
	if err := listing.Err(); err != nil {
		// Headers are gone; the best that can be done mid-stream is to
		// log and truncate.
		log.Error().Err(err).Str("prefix", prefix).Msg("listing aborted")
	}
}

// token mints a short-lived download token for one artifact key.
func (h *handlers) token(c *gin.Context) {
	key := utils.SanitizeKey(c.Query("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}

	expiration := h.auth.TokenExpiration
	if exp := c.Query("exp"); exp != "" {
		if minutes, err := strconv.Atoi(exp); err == nil {
			expiration = time.Duration(minutes) * time.Minute
		}
	}

	token, err := utils.GenerateDownloadToken(key, h.auth.TokenSecret, expiration)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

// fileByToken serves an artifact addressed by a download token. Invalid or
// expired tokens answer 404 so the endpoint does not leak which keys exist.
func (h *handlers) fileByToken(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}

	key, err := utils.ValidateDownloadToken(token, h.auth.TokenSecret)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	data, m, err := h.session.Get(c.Request.Context(), h.session.Root().Child(key).String())
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	setMetadataHeaders(c, m)
	c.Data(http.StatusOK, m.ContentType, data)
}

// Package api exposes the upload, deletion and listing operations over HTTP.
// Handlers stay thin: identity and album resolution up front, then the
// pipeline does the actual work and errors are mapped onto the response
// contract without leaking scanner or database internals.
package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zots0127/filesafe/pkg/metadata"
	"github.com/zots0127/filesafe/pkg/pipeline"
	"github.com/zots0127/filesafe/pkg/scanner"
	"github.com/zots0127/filesafe/pkg/storage"
	"github.com/zots0127/filesafe/pkg/thumbs"
)

type API struct {
	domain   string
	private  bool
	pipeline *pipeline.Pipeline
	repo     *metadata.Repository
	logger   *log.Logger
}

func New(domain string, private bool, p *pipeline.Pipeline, repo *metadata.Repository) *API {
	return &API{
		domain:   domain,
		private:  private,
		pipeline: p,
		repo:     repo,
		logger:   log.New(os.Stdout, "[API] ", log.LstdFlags),
	}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.health)

	api := router.Group("/api")
	api.POST("/upload", a.upload)
	api.POST("/upload/delete", a.deleteFile)
	api.GET("/uploads/:page", a.list)
	api.GET("/album/:albumid/:page", a.list)
}

func (a *API) health(c *gin.Context) {
	if err := a.repo.Ping(c.Request.Context()); err != nil {
		a.logger.Printf("Database ping failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// identify resolves the optional token header to a user. An unknown token is
// treated as anonymous unless the instance is private.
func (a *API) identify(c *gin.Context) (*metadata.User, bool) {
	token := c.GetHeader("token")
	if token == "" {
		if a.private {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "description": "No token provided"})
			return nil, false
		}
		return nil, true
	}

	user, err := a.repo.GetUserByToken(c.Request.Context(), token)
	if errors.Is(err, metadata.ErrNotFound) {
		if a.private {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "description": "Invalid token"})
			return nil, false
		}
		return nil, true
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "description": describe(err)})
		return nil, false
	}
	return user, true
}

// authorize is identify for operations that always need an identity.
func (a *API) authorize(c *gin.Context) (*metadata.User, bool) {
	token := c.GetHeader("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "description": "No token provided"})
		return nil, false
	}
	user, err := a.repo.GetUserByToken(c.Request.Context(), token)
	if errors.Is(err, metadata.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "description": "Invalid token"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "description": describe(err)})
		return nil, false
	}
	return user, true
}

func (a *API) upload(c *gin.Context) {
	user, ok := a.identify(c)
	if !ok {
		return
	}
	if user != nil && !user.Enabled {
		c.JSON(http.StatusOK, gin.H{"success": false, "description": "This account has been disabled"})
		return
	}

	req := pipeline.Request{SourceIP: c.ClientIP()}
	if user != nil {
		req.UserID = &user.ID
	}
	if raw := c.GetHeader("albumid"); raw != "" {
		albumID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "description": "Album doesn't exist or it doesn't belong to the user"})
			return
		}
		req.AlbumID = &albumID
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "description": "Invalid upload request"})
		return
	}
	for _, header := range form.File["files[]"] {
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "description": "Invalid upload request"})
			return
		}
		defer file.Close()
		req.Uploads = append(req.Uploads, pipeline.Upload{
			OriginalName: header.Filename,
			MimeType:     header.Header.Get("Content-Type"),
			Reader:       file,
		})
	}

	records, err := a.pipeline.Ingest(c.Request.Context(), req)
	if err != nil {
		c.JSON(status(err), gin.H{"success": false, "description": describe(err)})
		return
	}

	files := make([]gin.H, 0, len(records))
	for _, rec := range records {
		entry := gin.H{
			"name": rec.Name,
			"size": rec.Size,
			"url":  a.domain + "/" + rec.Name,
		}
		if thumbs.Eligible(rec.Name) {
			entry["thumb"] = a.domain + "/thumbs/" + storage.ThumbName(rec.Name)
		}
		files = append(files, entry)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "files": files})
}

func (a *API) deleteFile(c *gin.Context) {
	user, ok := a.authorize(c)
	if !ok {
		return
	}

	var body struct {
		ID int64 `json:"id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "description": "No file specified"})
		return
	}

	if err := a.pipeline.Delete(c.Request.Context(), body.ID, user); err != nil {
		c.JSON(status(err), gin.H{"success": false, "description": describe(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) list(c *gin.Context) {
	user, ok := a.authorize(c)
	if !ok {
		return
	}

	page := 0
	if raw := c.Param("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			page = parsed
		}
	}

	var albumID *int64
	if raw := c.Param("albumid"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "description": "Album doesn't exist or it doesn't belong to the user"})
			return
		}
		albumID = &parsed
	}

	listings, err := a.pipeline.List(c.Request.Context(), user, albumID, page)
	if err != nil {
		c.JSON(status(err), gin.H{"success": false, "description": describe(err)})
		return
	}

	files := make([]gin.H, 0, len(listings))
	for _, l := range listings {
		entry := gin.H{
			"id":        l.ID,
			"name":      l.Name,
			"size":      l.Size,
			"timestamp": l.Timestamp,
			"url":       a.domain + "/" + l.Name,
			"album":     l.Album,
		}
		if thumbs.Eligible(l.Name) {
			entry["thumb"] = a.domain + "/thumbs/" + storage.ThumbName(l.Name)
		}
		if user.IsAdmin() && l.Username != "" {
			entry["username"] = l.Username
		}
		files = append(files, entry)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "files": files})
}

// describe maps pipeline failures onto the fixed, human-readable descriptions
// of the response contract. Scanner and database internals never pass through.
func describe(err error) string {
	var threat *scanner.ThreatError

	switch {
	case errors.Is(err, pipeline.ErrNoFilesSubmitted):
		return "no-files"
	case errors.Is(err, pipeline.ErrEmptyFileRejected):
		return "Empty files are not allowed."
	case errors.Is(err, pipeline.ErrBlockedExtension):
		return "This file extension is not allowed"
	case errors.Is(err, storage.ErrOversizeFile):
		return "File too large"
	case errors.Is(err, storage.ErrAllocationExhausted):
		return "Could not allocate a unique file name. Try again?"
	case errors.As(err, &threat):
		return "Virus detected: " + threat.Name + "."
	case errors.Is(err, scanner.ErrScanUnavailable):
		return "Malware scan failed, please contact the site owner"
	case errors.Is(err, pipeline.ErrAlbumNotFound):
		return "Album doesn't exist or it doesn't belong to the user"
	case errors.Is(err, pipeline.ErrNotAuthorized):
		return "Not authorized to access this file"
	case errors.Is(err, pipeline.ErrRecordNotFound):
		return "File doesn't exist"
	case errors.Is(err, pipeline.ErrPersistenceFailure):
		return "Error saving information to the database, please contact the site owner"
	default:
		return "An unexpected error occurred, please contact the site owner"
	}
}

func status(err error) int {
	var threat *scanner.ThreatError

	switch {
	case errors.Is(err, pipeline.ErrNoFilesSubmitted),
		errors.Is(err, pipeline.ErrEmptyFileRejected),
		errors.Is(err, pipeline.ErrBlockedExtension),
		errors.Is(err, storage.ErrOversizeFile),
		errors.Is(err, pipeline.ErrAlbumNotFound),
		errors.As(err, &threat):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

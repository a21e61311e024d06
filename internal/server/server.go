package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/xml-sender/internal/documents"
	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/parser/ubl"
)

var logger = loggo.GetLogger("xmlsender.server")

// DefaultMaxUploadSize caps the request body of upload endpoints
const DefaultMaxUploadSize = 10 << 20

// Config holds server configuration
type Config struct {
	Address       string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxUploadSize int64
	Debug         bool
}

// Server represents the HTTP API server
type Server struct {
	config    *Config
	router    *gin.Engine
	service   *documents.Service
	validator *ubl.Validator
	gatherer  prometheus.Gatherer
}

// NewServer creates a new API server. A nil gatherer exposes the default registry.
func NewServer(config *Config, service *documents.Service, validator *ubl.Validator, gatherer prometheus.Gatherer) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = DefaultMaxUploadSize
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if config.Debug {
		router.Use(gin.Logger())
	}
	router.MaxMultipartMemory = config.MaxUploadSize

	s := &Server{
		config:    config,
		router:    router,
		service:   service,
		validator: validator,
		gatherer:  gatherer,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	docs := s.router.Group("/documents")
	{
		docs.POST("", s.limitBody, s.handleSubmit)
		docs.GET("", s.handleListDocuments)
		docs.GET("/:id", s.handleGetDocument)
		docs.GET("/:id/file", s.handleGetFile)
		docs.GET("/:id/cdr", s.handleGetCDR)
	}

	// Validate without scheduling a delivery
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/validate", s.limitBody, s.handleValidate)
	}
}

// limitBody rejects bodies over MaxUploadSize while they are read
func (s *Server) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadSize)
	c.Next()
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	file, err := s.formFile(c)
	if err != nil {
		s.writeUploadError(c, err)
		return
	}

	doc, err := s.service.Submit(c.Request.Context(), documents.SubmitRequest{
		File:     file,
		CustomID: c.PostForm("customId"),
		Username: c.PostForm("username"),
		Password: c.PostForm("password"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, NewDocumentResponse(doc))
}

func (s *Server) handleListDocuments(c *gin.Context) {
	status := model.DeliveryStatus(c.Query("status"))
	if !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query[status] must be one of SCHEDULED_TO_DELIVER, DELIVERING, DELIVERED, FAILED"})
		return
	}

	docs, err := s.service.List(c.Request.Context(), status)
	if err != nil {
		s.writeError(c, err)
		return
	}

	response := DocumentListResponse{Documents: make([]DocumentResponse, 0, len(docs))}
	for _, doc := range docs {
		response.Documents = append(response.Documents, NewDocumentResponse(doc))
	}
	response.Count = len(response.Documents)
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewDocumentResponse(doc))
}

func (s *Server) handleGetFile(c *gin.Context) {
	data, err := s.service.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml", data)
}

func (s *Server) handleGetCDR(c *gin.Context) {
	data, err := s.service.GetCDR(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/zip", data)
}

func (s *Server) handleValidate(c *gin.Context) {
	file, err := s.formFile(c)
	if err != nil {
		s.writeUploadError(c, err)
		return
	}
	// raw XML bodies are accepted as well as multipart uploads
	if file == nil && c.ContentType() != "multipart/form-data" {
		if file, err = c.GetRawData(); err != nil {
			s.writeUploadError(c, err)
			return
		}
	}

	info, err := s.validator.Validate(file)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ValidationResponse{
			Valid:  false,
			Errors: []string{err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, ValidationResponse{
		Valid:    true,
		FileInfo: info,
	})
}

// formFile returns the "file" form value: the uploaded part, or a plain text
// field of that name. It returns nil when neither was sent.
func (s *Server) formFile(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile("file")
	if err == nil {
		return readPart(header)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, err
	}
	if v, ok := c.GetPostForm("file"); ok {
		return []byte(v), nil
	}
	return nil, nil
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) writeUploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("Form[file] exceeds the maximum upload size of %d bytes", tooLarge.Limit),
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
}

func (s *Server) writeError(c *gin.Context, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

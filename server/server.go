// Package server exposes the on-demand reminder trigger, dose
// acknowledgment from notification clicks, and device registration over HTTP.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"git.0xdad.com/tblyler/medilens/db"
	"git.0xdad.com/tblyler/medilens/reminder"
	"github.com/gin-gonic/gin"
)

// Runner performs one reminder pass
type Runner interface {
	RunOnce(ctx context.Context) (*reminder.Report, error)
}

// Store is the part of db.Store the handlers write to
type Store interface {
	MarkDoseTaken(ctx context.Context, userID, medicationID, doseTime string, at time.Time) error
	PutDevice(ctx context.Context, device *db.Device) error
}

// Tokens validates service and dose acknowledgment tokens
type Tokens interface {
	ValidateServiceToken(token string) error
	ValidateAckToken(token, userID, medicationID, doseTime string) error
}

// Server handles HTTP requests
type Server struct {
	runner   Runner
	store    Store
	tokens   Tokens
	logger   *log.Logger
	now      func() time.Time
	location *time.Location
}

// New server. Without tokens the service routes and dose acknowledgment
// are refused.
func New(runner Runner, store Store, tokens Tokens, logger *log.Logger) *Server {
	return &Server{
		runner:   runner,
		store:    store,
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
}

// SetLocation sets the time zone whose calendar day acknowledged doses are recorded on
func (s *Server) SetLocation(location *time.Location) {
	if location == nil {
		location = time.Local
	}

	s.location = location
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}

// serviceAuth requires a service token in the Authorization header
func (s *Server) serviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.tokens == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "service credential not configured"})
			return
		}

		token, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		if err := s.tokens.ValidateServiceToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}

// Router with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/markAsTaken", s.markAsTaken)

	service := r.Group("/")
	service.Use(s.serviceAuth())
	{
		service.POST("/reminders/run", s.runReminders)
		service.POST("/users/:userId/devices", s.registerDevice)
	}

	return r
}

// POST /reminders/run
func (s *Server) runReminders(c *gin.Context) {
	report, err := s.runner.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

// POST /markAsTaken?userId=&medicineId=&doseTime=&ackToken=
func (s *Server) markAsTaken(c *gin.Context) {
	userID := c.Query("userId")
	medicationID := c.Query("medicineId")
	doseTime := c.Query("doseTime")
	if userID == "" || medicationID == "" || doseTime == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId, medicineId and doseTime are required"})
		return
	}

	if !db.ValidDoseTime(doseTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "doseTime must be HH:MM"})
		return
	}

	if s.tokens == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "service credential not configured"})
		return
	}

	token := c.Query("ackToken")
	if token == "" {
		token, _ = bearer(c)
	}

	if err := s.tokens.ValidateAckToken(token, userID, medicationID, doseTime); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired ack token"})
		return
	}

	takenAt := s.now().In(s.location)
	err := s.store.MarkDoseTaken(c.Request.Context(), userID, medicationID, doseTime, takenAt)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "medication not found"})
		return
	case errors.Is(err, db.ErrInvalidID), errors.Is(err, db.ErrInvalidDoseTime):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Printf("[Server] Failed to mark %s at %s taken for user %s: %v", medicationID, doseTime, userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark dose as taken"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  db.DoseTaken,
		"takenAt": takenAt.UTC(),
	})
}

// RegisterDeviceRequest is the body of a device registration
type RegisterDeviceRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

// POST /users/:userId/devices
func (s *Server) registerDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := s.now()
	device := &db.Device{
		ID:          req.DeviceID,
		UserID:      c.Param("userId"),
		Token:       req.Token,
		Platform:    req.Platform,
		CreatedAt:   now,
		LastUpdated: now,
	}

	err := s.store.PutDevice(c.Request.Context(), device)
	switch {
	case errors.Is(err, db.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Printf("[Server] Failed to register device %s for user %s: %v", device.ID, device.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device registered"})
}

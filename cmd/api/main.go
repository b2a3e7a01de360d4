package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/bioclient"
	"classattend/internal/config"
	"classattend/internal/eligibility"
	"classattend/internal/export"
	"classattend/internal/httpmiddleware"
	"classattend/internal/queue"
	"classattend/internal/reconcile"
	"classattend/internal/session"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classattend:jobs")
	}

	repo := attendance.NewRepository(db.Client)
	lifecycle := session.NewService(repo, redisClient, cfg.SessionDuration, nil)
	matcher := eligibility.New(repo, lifecycle, nil)
	marker := attendance.NewService(repo, matcher, q, redisClient)
	reconciler := reconcile.New(repo)
	bio := bioclient.New(cfg.BioServiceURL, cfg.BioSkip)

	var uploader *export.Uploader
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		uploader = export.NewUploader(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("report uploads configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("report uploads not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		bioHealthy := bio.Health(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "bio": bioHealthy})
	})

	r.POST("/v1/auth/student/login", func(c *gin.Context) {
		var req struct {
			Enrollment string `json:"enrollment" binding:"required"`
			Email      string `json:"email" binding:"required"`
			HardwareID string `json:"hardware_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		student, err := repo.GetStudent(c.Request.Context(), req.Enrollment)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if student == nil || student.Email != req.Email {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		// Device binding: first login claims the device; later logins
		// must come from the same one.
		switch student.HardwareID {
		case "":
			if err := repo.BindHardwareID(c.Request.Context(), req.Enrollment, req.HardwareID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "device binding failed"})
				return
			}
		case req.HardwareID:
			// Same device, proceed.
		default:
			c.JSON(http.StatusForbidden, gin.H{"error": "this account is bound to another device"})
			return
		}

		tokens, err := auth.Issue(req.Enrollment, auth.RoleStudent, req.HardwareID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), req.Enrollment, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/faculty/login", func(c *gin.Context) {
		var req struct {
			FacultyID string `json:"faculty_id" binding:"required"`
			AccessKey string `json:"access_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.AccessKey != cfg.FacultyKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tokens, err := auth.Issue(req.FacultyID, auth.RoleFaculty, "", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), req.FacultyID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		valid, err := repo.RefreshTokenValid(c.Request.Context(), claims.Subject, req.RefreshToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh lookup failed"})
			return
		}
		if !valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or expired"})
			return
		}

		// Rotate: the spent token is revoked before its replacement is
		// handed out.
		_ = repo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)

		tokens, err := auth.Issue(claims.Subject, claims.Role, claims.HardwareID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), claims.Subject, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	faculty := authed.Group("", auth.RequireRole(auth.RoleFaculty))
	student := authed.Group("", auth.RequireRole(auth.RoleStudent))

	faculty.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Branch       string `json:"branch" binding:"required"`
			Division     string `json:"division" binding:"required"`
			Group        string `json:"group" binding:"required"`
			Subject      string `json:"subject" binding:"required"`
			RequiredSSID string `json:"required_ssid"`
			Resume       bool   `json:"resume"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		in := session.CreateInput{
			Branch:       req.Branch,
			Division:     req.Division,
			Group:        req.Group,
			Subject:      req.Subject,
			RequiredSSID: req.RequiredSSID,
		}
		facultyID := auth.FromContext(c).Subject

		var handle session.ActiveSessionHandle
		var err error
		if req.Resume {
			handle, err = lifecycle.ResumeOrCreate(c.Request.Context(), facultyID, in)
		} else {
			handle, err = lifecycle.Create(c.Request.Context(), facultyID, in)
		}
		if err != nil {
			if errors.Is(err, session.ErrActiveSessionExists) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session creation failed, please retry"})
			return
		}
		c.JSON(http.StatusCreated, handle)
	})

	faculty.POST("/sessions/:id/end", func(c *gin.Context) {
		facultyID := auth.FromContext(c).Subject
		if err := lifecycle.End(c.Request.Context(), facultyID, c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "end session failed, please retry"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "session_status": attendance.SessionEnded})
	})

	faculty.PATCH("/sessions/:id/network", func(c *gin.Context) {
		var req struct {
			RequiredSSID        string `json:"required_ssid"`
			AllowUniversityWiFi bool   `json:"allow_university_wifi"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := lifecycle.SetNetwork(c.Request.Context(), c.Param("id"), req.RequiredSSID, req.AllowUniversityWiFi); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "apply network settings failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id")})
	})

	faculty.GET("/sessions/:id/summary", func(c *gin.Context) {
		summary, err := reconciler.SessionSummary(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	faculty.GET("/sessions/:id/export", func(c *gin.Context) {
		rep, err := export.Build(c.Request.Context(), repo, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		data, err := export.EncodeCSV(rep)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
			return
		}

		if uploader == nil {
			// No CDN configured: serve the file inline.
			c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", rep.Session.ID))
			c.Data(http.StatusOK, "text/csv", data)
			return
		}

		result, err := uploader.Upload(data, rep.Session.ID+".csv")
		if err != nil {
			log.Printf("report upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "report upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       result.SecureURL,
			"public_id": result.PublicID,
			"bytes":     result.Bytes,
			"summary":   rep.Summary,
		})
	})

	// Live monitoring stream for an open session screen. The
	// subscription is torn down when the client disconnects.
	faculty.GET("/sessions/:id/events", func(c *gin.Context) {
		ch, err := redisClient.WatchSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
			return
		}
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case payload, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("update", string(payload))
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

	student.GET("/attendance/current", func(c *gin.Context) {
		enrollment := auth.FromContext(c).Subject
		sess, err := matcher.FindCurrent(c.Request.Context(), enrollment)
		if err != nil {
			writeEligibilityError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	student.GET("/sessions/:id/eligibility", func(c *gin.Context) {
		enrollment := auth.FromContext(c).Subject
		sess, err := matcher.Check(c.Request.Context(), enrollment, c.Param("id"))
		if err != nil {
			writeEligibilityError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"eligible": true, "session": sess})
	})

	student.POST("/attendance/mark", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			SSID      string `json:"ssid"`
			BioToken  string `json:"bio_token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		enrollment := auth.FromContext(c).Subject

		verdict, err := bio.Verify(c.Request.Context(), enrollment, req.BioToken)
		if err != nil {
			log.Printf("bio verify failed for %s: %v", enrollment, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "biometric verification unavailable, please retry"})
			return
		}
		if !verdict.Verified {
			c.JSON(http.StatusForbidden, gin.H{"error": "biometric verification failed"})
			return
		}

		if err := marker.MarkPresent(c.Request.Context(), req.SessionID, enrollment, req.SSID); err != nil {
			if errors.Is(err, attendance.ErrNetworkMismatch) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			writeEligibilityError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "status": attendance.Present.String()})
	})

	student.GET("/sessions/:id/status", func(c *gin.Context) {
		enrollment := auth.FromContext(c).Subject
		st, err := reconciler.Status(c.Request.Context(), enrollment, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "status": st.String()})
	})

	student.GET("/attendance/percentage", func(c *gin.Context) {
		enrollment := auth.FromContext(c).Subject
		p, err := reconciler.StudentPercentage(c.Request.Context(), enrollment)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "percentage failed"})
			return
		}
		c.JSON(http.StatusOK, p)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeEligibilityError maps the rejection taxonomy onto status codes:
// missing documents are 404, state conflicts 409, everything else is a
// retryable 500. Raw store errors never reach the client.
func writeEligibilityError(c *gin.Context, err error) {
	switch {
	case eligibility.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case eligibility.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary error, please retry"})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

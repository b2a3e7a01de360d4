package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/eligibility"
	"classattend/internal/queue"
	"classattend/internal/session"
	"classattend/internal/store"
)

// Worker retries roster writes that failed after a partial mark, and
// sweeps overdue sessions to expired so the lazy read-path flip is not
// the only thing closing them.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

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

	go sweepExpired(ctx, repo, cfg.SweepInterval)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != attendance.RosterRetryType {
			continue
		}

		var job attendance.RosterRetryJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			log.Printf("bad retry payload: %v", err)
			continue
		}

		log.Printf("retrying roster write %s/%s", job.SessionID, job.Enrollment)
		if err := marker.RetryRosterWrite(ctx, job); err != nil {
			log.Printf("roster retry failed for %s/%s, requeueing: %v", job.SessionID, job.Enrollment, err)
			// Requeue after a breather; the write is an upsert, so a
			// duplicate retry is harmless.
			time.Sleep(time.Second)
			if body, merr := json.Marshal(job); merr == nil {
				_ = q.Publish(ctx, queue.Message{Type: attendance.RosterRetryType, Body: body})
			}
			continue
		}
		log.Printf("roster write recovered for %s/%s", job.SessionID, job.Enrollment)
	}

	log.Println("worker stopped")
}

// sweepExpired periodically flips active sessions past end+grace.
func sweepExpired(ctx context.Context, repo *attendance.Repository, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := repo.ExpireOverdueSessions(ctx, time.Now().UnixMilli(), session.GracePeriod.Milliseconds())
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expiry sweep closed %d session(s)", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

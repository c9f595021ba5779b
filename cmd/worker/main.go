package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/config"
	"github.com/suPer8Hu/convsync/internal/db"
	"github.com/suPer8Hu/convsync/internal/logger"
	"github.com/suPer8Hu/convsync/internal/store/rabbitmq"
	"github.com/suPer8Hu/convsync/internal/store/redisstore"
)

// maxAttempts bounds transient retries before a job goes to the DLQ.
const maxAttempts = 3

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With("component", "worker")

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", "error", err)
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		log.Fatal("migrate chat", "error", err)
	}

	svcOpts := []chat.Option{
		chat.WithLogger(log),
		chat.WithDefaultProvider(cfg.AIProvider, ai.DefaultModel(cfg, cfg.AIProvider)),
	}
	// browsers refresh on these; the worker runs fine without them
	if rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisstore.WithLogger(log)); err == nil {
		defer rds.Close()
		svcOpts = append(svcOpts, chat.WithNotifier(rds))
	} else {
		log.Warn("redis unavailable, change notifications off", "error", err)
	}
	svc := chat.NewService(chat.NewRepo(gdb), ai.NewDefaultRegistry(cfg), cfg.ChatContextWindowSize, svcOpts...)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher", "error", err)
	}
	defer pub.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", "error", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", "error", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", "error", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", "error", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker", workerID)
			for d := range jobs {
				handleDelivery(ctx, wlog, svc, pub, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, log *logger.Logger, svc *chat.Service, pub *rabbitmq.Publisher, d amqp.Delivery) {
	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		log.Warn("bad message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	_, err = svc.RunReplyJob(ctx, m.JobID)
	if err == nil {
		if time.Since(start) > 2*time.Second {
			log.Info("job done", "job_id", m.JobID, "cost", time.Since(start))
		}
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", "job_id", m.JobID, "error", err)
		}
		return
	}

	job, getErr := svc.JobByID(ctx, m.JobID)
	if ai.IsTransient(err) && getErr == nil && job.Attempts < maxAttempts {
		delay := rabbitmq.RetryDelay(job.Attempts)
		if pubErr := pub.PublishRetry(ctx, m.JobID, delay); pubErr == nil {
			log.Warn("job failed, retrying", "job_id", m.JobID, "attempt", job.Attempts, "delay", delay, "error", err)
			_ = d.Ack(false)
			return
		}
	}
	if errors.Is(err, chat.ErrNotFound) {
		log.Warn("job target gone", "job_id", m.JobID, "error", err)
	} else {
		log.Error("job failed", "job_id", m.JobID, "cost", time.Since(start), "error", err)
	}
	_ = d.Nack(false, false)
}

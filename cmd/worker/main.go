package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/common"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/db"
	"github.com/alumnihub/chat-service/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var job rabbitmq.NotificationJob
				if err := json.Unmarshal(d.Body, &job); err != nil || job.MessageID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, repo, job); err != nil {
					log.Printf("worker=%d notification failed message=%s recipient=%d cost=%s err=%v",
						workerID, job.MessageID, job.RecipientID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed message=%s err=%v", workerID, job.MessageID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleJob turns one offline-message job into a notification row. The
// (message_id, recipient_id) unique index makes queue redeliveries a no-op.
func handleJob(ctx context.Context, repo *chat.Repo, job rabbitmq.NotificationJob) error {
	msg, err := repo.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// message gone, nothing to notify about
			log.Printf("notification skipped, message missing message=%s", job.MessageID)
			return nil
		}
		return err
	}

	id, err := common.NewULID()
	if err != nil {
		return err
	}

	n := &chat.Notification{
		ID:             id,
		MessageID:      msg.ID,
		RecipientID:    job.RecipientID,
		ConversationID: msg.ConversationID,
		Status:         chat.NotificationPending,
	}

	n, created, err := repo.CreateNotificationOrGetExisting(ctx, n)
	if err != nil {
		return err
	}
	if !created && n.Status == chat.NotificationSent {
		return nil
	}

	// Hand-off point for the alumni-network mailer: the row is the digest
	// source of truth, so recording it counts as dispatched here.
	if err := repo.MarkNotificationSent(ctx, n.ID); err != nil {
		return err
	}

	log.Printf("notification recorded message=%s recipient=%d conversation=%s",
		msg.ID, job.RecipientID, msg.ConversationID)
	return nil
}

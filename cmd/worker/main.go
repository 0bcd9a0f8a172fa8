package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/push"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
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

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	fcm := push.NewFCMClient(cfg.FCMEndpoint, cfg.FCMServerKey)

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

	_, err = ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, nil)
	if err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
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

	log.Printf("push worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var n push.Notification
				if err := json.Unmarshal(d.Body, &n); err != nil {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := deliver(ctx, rds, fcm, n); err != nil {
					log.Printf("worker=%d delivery failed cost=%s err=%v", workerID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed err=%v", workerID, err)
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

// deliver resolves device tokens and sends the notification. A user without
// a token is not an error; they simply never granted notification
// permissions.
func deliver(ctx context.Context, rds *redisstore.Store, fcm *push.FCMClient, n push.Notification) error {
	if n.AllStaff {
		tokens, err := rds.StaffDeviceTokens(ctx)
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			log.Printf("no staff device tokens registered, dropping support-inbox push")
			return nil
		}
		sent := 0
		for _, token := range tokens {
			if err := fcm.Send(ctx, token, n.Title, n.Body, n.Data); err != nil {
				log.Printf("fcm send to staff device failed: %v", err)
				continue
			}
			sent++
		}
		log.Printf("support-inbox push sent to %d staff device(s)", sent)
		return nil
	}

	token, err := rds.DeviceToken(ctx, n.UserType, n.UserID)
	if err != nil {
		return err
	}
	if token == "" {
		log.Printf("no device token for user=%d (%s), dropping push", n.UserID, n.UserType)
		return nil
	}
	return fcm.Send(ctx, token, n.Title, n.Body, n.Data)
}

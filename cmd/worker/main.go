package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traindesk/internal/config"
	"traindesk/internal/docstore"
	"traindesk/internal/notify"
	"traindesk/internal/queue"
	"traindesk/internal/store"
)

// Worker consumes attendance events from the queue, pushes notifications,
// and archives exported sheets in the document store.
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

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "traindesk:events")
	}

	notifier := notify.New(cfg.NotifyURL, cfg.NotifySkip || cfg.NotifyURL == "")
	if !cfg.NotifySkip && cfg.NotifyURL != "" {
		if err := notifier.Health(ctx); err != nil {
			log.Printf("WARNING: notification service not available: %v", err)
		} else {
			log.Println("Notification service connected")
		}
	}

	var docs *docstore.Client
	if cfg.DocstoreEndpoint != "" && cfg.DocstoreAPIKey != "" && cfg.DocstoreAPISecret != "" {
		docs = docstore.New(cfg.DocstoreEndpoint, cfg.DocstoreAPIKey, cfg.DocstoreAPISecret, cfg.DocstoreFolder)
		log.Println("Document store configured:", cfg.DocstoreEndpoint)
	} else {
		log.Println("Document store not configured (DOCSTORE_ENDPOINT / API_KEY / API_SECRET not set)")
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	log.Println("Worker started")
	for msg := range msgs {
		handle(ctx, msg, notifier, docs)
	}
	log.Println("Worker exited")
}

func handle(ctx context.Context, msg queue.Message, notifier *notify.Client, docs *docstore.Client) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch msg.Type {
	case queue.TypeSlotSigned:
		var body struct {
			OrgID     string    `json:"org_id"`
			SessionID string    `json:"session_id"`
			SlotID    string    `json:"slot_id"`
			TrainerID string    `json:"trainer_id"`
			SignedAt  time.Time `json:"signed_at"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			log.Printf("slot_signed: bad payload: %v", err)
			return
		}
		if err := notifier.SlotSigned(ctx, body.OrgID, body.SessionID, body.SlotID, body.TrainerID, body.SignedAt); err != nil {
			log.Printf("slot_signed: notify failed: %v", err)
		}

	case queue.TypeBulkMarked:
		var body struct {
			OrgID   string `json:"org_id"`
			SlotID  string `json:"slot_id"`
			Updated int    `json:"updated"`
			Failed  int    `json:"failed"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			log.Printf("bulk_marked: bad payload: %v", err)
			return
		}
		if err := notifier.BulkMarked(ctx, body.OrgID, body.SlotID, body.Updated, body.Failed); err != nil {
			log.Printf("bulk_marked: notify failed: %v", err)
		}

	case queue.TypeSheetExported:
		var body struct {
			OrgID  string          `json:"org_id"`
			SlotID string          `json:"slot_id"`
			Sheet  json.RawMessage `json:"sheet"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			log.Printf("sheet_exported: bad payload: %v", err)
			return
		}
		if docs == nil {
			log.Printf("sheet_exported: document store not configured, dropping slot %s", body.SlotID)
			return
		}
		doc, err := docs.StoreSheet(ctx, body.SlotID, body.Sheet)
		if err != nil {
			log.Printf("sheet_exported: archive failed: %v", err)
			return
		}
		log.Printf("sheet archived: slot=%s url=%s", body.SlotID, doc.URL)
		if err := notifier.SheetArchived(ctx, body.OrgID, body.SlotID, doc.URL); err != nil {
			log.Printf("sheet_exported: notify failed: %v", err)
		}

	default:
		log.Printf("unknown message type %q", msg.Type)
	}
}

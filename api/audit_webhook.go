package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize     = 1024
	webhookBatchSize     = 50
	webhookFlushInterval = 2 * time.Second
	webhookAttempts      = 3
	webhookRetryDelay    = 500 * time.Millisecond

	// SignatureHeader carries "sha256=<hex HMAC of the body>" when
	// WebhookConfig.Secret is set.
	SignatureHeader = "X-Gatekeeper-Signature"
)

// WebhookConfig configures audit delivery to an HTTP endpoint.
type WebhookConfig struct {
	URL string
	// Header is sent as "Name: Value" with every delivery.
	Header string
	// Secret, when set, signs every delivery with HMAC-SHA256.
	Secret string
}

// webhookBatch is the JSON body of one delivery.
type webhookBatch struct {
	Source string        `json:"source"`
	SentAt time.Time     `json:"sent_at"`
	Events []auditRecord `json:"events"`
}

// auditWebhook queues audit records and POSTs them in batches. A batch goes
// out when it is full, when the flush interval elapses, or on close.
// Records arriving while the queue is full are dropped.
type auditWebhook struct {
	cfg        WebhookConfig
	client     *http.Client
	logger     *slog.Logger
	events     chan auditRecord
	batchSize  int
	flushEvery time.Duration
	retryDelay time.Duration
	wg         sync.WaitGroup
}

func newAuditWebhook(cfg WebhookConfig, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		cfg:        cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("sink", "webhook"),
		events:     make(chan auditRecord, webhookQueueSize),
		batchSize:  webhookBatchSize,
		flushEvery: webhookFlushInterval,
		retryDelay: webhookRetryDelay,
	}
	w.start()
	return w
}

func (w *auditWebhook) start() {
	w.wg.Add(1)
	go w.loop()
}

// enqueue never blocks.
func (w *auditWebhook) enqueue(rec auditRecord) {
	select {
	case w.events <- rec:
	default:
		w.logger.Warn("queue full, dropping audit record", "event", rec.Event)
	}
}

// close delivers whatever is still queued and waits for it.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	batch := make([]auditRecord, 0, w.batchSize)
	flush := func() {
		if len(batch) > 0 {
			w.deliver(batch)
			batch = batch[:0]
		}
	}
	for {
		select {
		case rec, ok := <-w.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *auditWebhook) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver POSTs one batch. Transport errors, 429 and 5xx are retried with a
// doubling delay; other statuses are final.
func (w *auditWebhook) deliver(batch []auditRecord) {
	body, err := json.Marshal(webhookBatch{Source: "gatekeeper", SentAt: time.Now().UTC(), Events: batch})
	if err != nil {
		w.logger.Error("encoding audit batch failed", "error", err)
		return
	}

	delay := w.retryDelay
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay *= 2
		}
		status, err := w.post(body)
		switch {
		case err != nil:
			w.logger.Warn("audit delivery failed", "error", err, "attempt", attempt, "events", len(batch))
			continue
		case status >= 200 && status < 300:
			return
		case status == http.StatusTooManyRequests || status >= 500:
			w.logger.Warn("audit endpoint unavailable", "status", status, "attempt", attempt)
			continue
		default:
			w.logger.Warn("audit endpoint refused batch", "status", status, "events", len(batch))
			return
		}
	}
	w.logger.Error("dropping audit batch after retries", "events", len(batch))
}

func (w *auditWebhook) post(body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, w.sign(body))
	}
	if name, value, ok := strings.Cut(w.cfg.Header, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

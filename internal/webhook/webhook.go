package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"upgateway/internal/models"
	"upgateway/internal/tasks"
)

const EventQuotaExceeded = "quota.exceeded"

// Tenant settings read by the notifier.
const (
	SettingURL    = "webhook_url"
	SettingSecret = "webhook_secret"
)

type TaskRunner interface {
	Go(name string, fn tasks.Func) bool
}

// Notifier posts tenant lifecycle events to the URL in the tenant's settings.
type Notifier struct {
	Client *http.Client
	Tasks  TaskRunner
	Now    func() time.Time

	mu   sync.Mutex
	sent map[string]string
}

func New(runner TaskRunner) *Notifier {
	return &Notifier{
		Client: &http.Client{Timeout: 5 * time.Second},
		Tasks:  runner,
		Now:    time.Now,
		sent:   map[string]string{},
	}
}

// Event represents a webhook payload.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type QuotaData struct {
	TenantID string `json:"tenant_id"`
	Slug     string `json:"slug"`
	Used     int64  `json:"used"`
	Limit    int64  `json:"limit"`
	Month    string `json:"month"`
}

// QuotaExceeded queues a quota.exceeded event the first time it is called for
// a tenant in a calendar month. A dropped task or a failed delivery clears the
// mark, so a later denial in the same month tries again. It reports whether an
// event was queued.
func (n *Notifier) QuotaExceeded(tenant *models.Tenant, used, limit int64) bool {
	target := tenant.Setting(SettingURL)
	if target == "" {
		return false
	}
	now := n.Now().UTC()
	month := now.Format("2006-01")

	n.mu.Lock()
	if n.sent[tenant.ID] == month {
		n.mu.Unlock()
		return false
	}
	n.sent[tenant.ID] = month
	n.mu.Unlock()

	body, err := json.Marshal(Event{
		Type:      EventQuotaExceeded,
		Timestamp: now.Format(time.RFC3339),
		Data:      QuotaData{TenantID: tenant.ID, Slug: tenant.Slug, Used: used, Limit: limit, Month: month},
	})
	if err != nil {
		n.release(tenant.ID, month)
		return false
	}
	secret := tenant.Setting(SettingSecret)
	queued := n.Tasks.Go("webhook_quota_exceeded", func(ctx context.Context) error {
		if err := n.send(ctx, target, secret, body); err != nil {
			n.release(tenant.ID, month)
			return err
		}
		return nil
	})
	if !queued {
		n.release(tenant.ID, month)
	}
	return queued
}

// release forgets a month's mark so the next denial retries delivery.
func (n *Notifier) release(tenantID, month string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent[tenantID] == month {
		delete(n.sent, tenantID)
	}
}

// Sign returns the hex HMAC-SHA256 of body, sent as X-Gateway-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (n *Notifier) send(ctx context.Context, target, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "upgateway-webhook/1.0")
	if secret != "" {
		req.Header.Set("X-Gateway-Signature", Sign(secret, body))
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", target, resp.StatusCode)
	}
	return nil
}

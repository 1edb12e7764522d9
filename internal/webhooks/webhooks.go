// Package webhooks provides event notifications to external services.
//
// Clients and freelancers can register webhook URLs to receive notifications
// about escrow lifecycle changes: accounts opening, milestones being funded,
// released, disputed, or refunded, and accounts settling.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fundlock/fundlock/internal/circuitbreaker"
	"github.com/fundlock/fundlock/internal/metrics"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventEscrowCreated     EventType = "escrow.created"
	EventEscrowFunded      EventType = "escrow.funded"
	EventMilestoneReleased EventType = "milestone.released"
	EventMilestoneDisputed EventType = "milestone.disputed"
	EventMilestoneRefunded EventType = "milestone.refunded"
	EventEscrowCompleted   EventType = "escrow.completed"
	EventEscrowCancelled   EventType = "escrow.cancelled"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // Used for HMAC signing
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events. A per-subscription circuit breaker stops
// hammering endpoints that keep failing; deliveries resume after a probe
// succeeds.
type Dispatcher struct {
	store          Store
	client         *http.Client
	breaker        *circuitbreaker.Breaker
	fallbackSecret string
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, time.Minute),
	}
}

// WithFallbackSecret sets a deployment-wide signing secret used for
// subscriptions that have none of their own.
func (d *Dispatcher) WithFallbackSecret(secret string) *Dispatcher {
	d.fallbackSecret = secret
	return d
}

// DispatchToUser sends an event to a specific user's matching subscriptions.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				// Send async to avoid blocking the operation that emitted.
				// Delivery runs on its own context so it survives the
				// emitting request finishing.
				go d.send(sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("suppressed").Inc()
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fundlock-Event", string(event.Type))
	req.Header.Set("X-Fundlock-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if a secret is available
	secret := sub.Secret
	if secret == "" {
		secret = d.fallbackSecret
	}
	if secret != "" {
		req.Header.Set("X-Fundlock-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.breaker.RecordFailure(sub.ID)
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
		d.breaker.RecordSuccess(sub.ID)
		d.updateSuccess(ctx, sub)
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.breaker.RecordFailure(sub.ID)
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers use to verify
// payload authenticity.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for development mode and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

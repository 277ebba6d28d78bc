// Package notify sends an optional web-push notification when a session
// needs a human who isn't watching the terminal: a transition to
// Awaiting-Dangerous-Confirmation, and the session's final exit
// (SPEC_FULL §4.6). Grounded on the teacher's internal/web/push_service.go
// and vapid_keys.go, cut down from its menu-snapshot polling loop to a
// single session's direct event stream — there is no "list of sessions"
// to diff against here, just this process's own transitions.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	subscriptionsFileName = "push_subscriptions.json"
	vapidKeysFileName     = "push_vapid_keys.json"
)

// Subscription is one browser's Web Push subscription, in the shape the
// Push API's PushSubscription.toJSON() produces.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s Subscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("notify: endpoint is required")
	}
	if sub.Keys.P256DH == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("notify: subscription keys are required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Sender abstracts the actual HTTP push so tests can substitute a fake.
type Sender interface {
	Send(payload []byte, sub Subscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidSender) Send(payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("notify: push gateway status %d", status)
	}
	return status, nil
}

type message struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Tag        string `json:"tag,omitempty"`
	Assistant  string `json:"assistant,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
	RequireInt bool   `json:"requireInteraction,omitempty"`
}

// Notifier implements supervisor.Notifier, firing a push to every
// subscription on disk. A zero-value Notifier (no VAPID keys configured)
// is a silent no-op, per SPEC_FULL §4.6 "no-op if unconfigured".
type Notifier struct {
	enabled    bool
	publicKey  string
	privateKey string
	subject    string
	subsPath   string
	sender     Sender
	log        *slog.Logger

	mu   sync.Mutex
	subs []Subscription
}

// Open loads (or, with generate=true, creates) a VAPID keypair under
// <cwd>/.agent-yes/ and returns a ready Notifier. If no keypair exists
// and generate is false, the returned Notifier is disabled rather than
// an error — push is an optional convenience, not a startup dependency.
func Open(cwd string, subject string, generate bool, log *slog.Logger) (*Notifier, error) {
	dir := filepath.Join(cwd, ".agent-yes")
	keysPath := filepath.Join(dir, vapidKeysFileName)

	pub, priv, err := loadVAPIDKeys(keysPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if !generate {
			return &Notifier{log: log}, nil
		}
		pub, priv, err = generateVAPIDKeys(keysPath)
		if err != nil {
			return nil, err
		}
	}

	if subject == "" {
		subject = "mailto:agentkeep@localhost"
	}

	n := &Notifier{
		enabled:    true,
		publicKey:  pub,
		privateKey: priv,
		subject:    subject,
		subsPath:   filepath.Join(dir, subscriptionsFileName),
		sender:     &vapidSender{subject: subject, publicKey: pub, privateKey: priv},
		log:        log,
	}
	n.subs, err = n.readSubscriptions()
	if err != nil {
		n.log.Warn("notify: failed to read push subscriptions, continuing with none", "error", err)
	}
	return n, nil
}

// Enabled reports whether a VAPID keypair was found (or generated).
func (n *Notifier) Enabled() bool {
	return n != nil && n.enabled
}

// PublicKey returns the VAPID public key, for a peer to subscribe with.
func (n *Notifier) PublicKey() string {
	if n == nil {
		return ""
	}
	return n.publicKey
}

// Subscribe adds or replaces a subscription by endpoint.
func (n *Notifier) Subscribe(sub Subscription) error {
	if n == nil || !n.enabled {
		return fmt.Errorf("notify: push is not configured")
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	replaced := false
	for i := range n.subs {
		if n.subs[i].Endpoint == sub.Endpoint {
			n.subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		n.subs = append(n.subs, sub)
	}
	return n.writeSubscriptionsLocked()
}

// DangerousConfirmation implements supervisor.Notifier: paged when a
// transition lands on Awaiting-Dangerous-Confirmation, the one case the
// Auto-Responder always refuses to answer itself.
func (n *Notifier) DangerousConfirmation(assistant string) {
	if n == nil || !n.enabled {
		return
	}
	n.send(message{
		Title:      fmt.Sprintf("%s needs you", assistant),
		Body:       "Waiting on a dangerous-action confirmation.",
		Tag:        fmt.Sprintf("agentkeep-%s-dangerous", assistant),
		Assistant:  assistant,
		Reason:     "dangerous-confirmation",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequireInt: true,
	})
}

// SessionExited implements supervisor.Notifier.
func (n *Notifier) SessionExited(assistant string, reason string, code *int) {
	if n == nil || !n.enabled {
		return
	}
	body := fmt.Sprintf("Session exited (%s).", reason)
	if code != nil {
		body = fmt.Sprintf("Session exited (%s, code %d).", reason, *code)
	}
	n.send(message{
		Title:     fmt.Sprintf("%s finished", assistant),
		Body:      body,
		Tag:       fmt.Sprintf("agentkeep-%s-exit", assistant),
		Assistant: assistant,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (n *Notifier) send(msg message) {
	n.mu.Lock()
	subs := append([]Subscription{}, n.subs...)
	n.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("notify: marshal failed", "error", err)
		return
	}

	for _, sub := range subs {
		status, err := n.sender.Send(payload, sub)
		if status == http.StatusGone || status == http.StatusNotFound {
			n.log.Warn("notify: push subscription gone, removing", "endpoint", endpointForLog(sub.Endpoint), "http_status", status, "error", err)
			n.removeByEndpoint(sub.Endpoint)
			continue
		}
		if err == nil {
			n.log.Debug("notify: push sent", "endpoint", endpointForLog(sub.Endpoint), "http_status", status)
			continue
		}
		n.log.Warn("notify: push send failed", "endpoint", endpointForLog(sub.Endpoint), "http_status", status, "error", err)
	}
}

func (n *Notifier) removeByEndpoint(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	filtered := make([]Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		if s.Endpoint != endpoint {
			filtered = append(filtered, s)
		}
	}
	n.subs = filtered
	_ = n.writeSubscriptionsLocked()
}

func (n *Notifier) readSubscriptions() ([]Subscription, error) {
	raw, err := os.ReadFile(n.subsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("notify: read subscriptions: %w", err)
	}
	var file subscriptionFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("notify: parse subscriptions: %w", err)
	}
	return file.Subscriptions, nil
}

func (n *Notifier) writeSubscriptionsLocked() error {
	file := subscriptionFile{UpdatedAt: time.Now().UTC(), Subscriptions: n.subs}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: marshal subscriptions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(n.subsPath), 0o700); err != nil {
		return fmt.Errorf("notify: mkdir: %w", err)
	}
	tmp := n.subsPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("notify: write subscriptions: %w", err)
	}
	if err := os.Rename(tmp, n.subsPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: rename subscriptions: %w", err)
	}
	return nil
}

func endpointForLog(endpoint string) string {
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

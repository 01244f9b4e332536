// Package notify delivers account lifecycle notifications to a
// Telegram chat.
package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/models"
)

const defaultAPIBase = "https://api.telegram.org"

// Event is a rendered notification waiting for delivery.
type Event struct {
	Text string
}

// Dispatcher queues notifications and delivers them from a single
// worker goroutine. Delivery failures are logged and dropped, they
// never block or fail the operation that produced the event.
type Dispatcher struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	logger   *zap.Logger

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher returns a dispatcher for the given bot credentials.
// With an empty token or chat ID the dispatcher is disabled and every
// Dispatch call is a no-op.
func NewDispatcher(botToken, chatID string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		queue:    make(chan Event, 64),
	}
}

// Enabled reports whether the dispatcher has credentials to deliver with.
func (d *Dispatcher) Enabled() bool {
	return d.botToken != "" && d.chatID != ""
}

// Start launches the delivery worker. Safe to call on a disabled
// dispatcher.
func (d *Dispatcher) Start() {
	if !d.Enabled() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for event := range d.queue {
			if err := d.send(event.Text); err != nil {
				d.logger.Warn("Failed to deliver telegram notification", zap.Error(err))
			}
		}
	}()
}

// Stop closes the queue and waits for queued events to drain.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

// Dispatch enqueues an event without blocking. When the queue is full
// the event is dropped.
func (d *Dispatcher) Dispatch(event Event) {
	if !d.Enabled() {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Notification queue full, dropping event")
	}
}

func (d *Dispatcher) send(text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", d.apiBase, d.botToken)
	form := url.Values{}
	form.Set("chat_id", d.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "HTML")

	resp, err := d.client.PostForm(endpoint, form)
	if err != nil {
		return fmt.Errorf("failed to post telegram message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// AccountCreated renders the notification sent after a successful
// provisioning, including the share link for the new account.
func AccountCreated(proto models.Protocol, username string, quotaGB int64, link string) Event {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>New %s account</b>\n", proto)
	fmt.Fprintf(&b, "Username: <code>%s</code>\n", username)
	fmt.Fprintf(&b, "Quota: %s\n", models.QuotaDisplay(quotaGB))
	fmt.Fprintf(&b, "Link:\n<code>%s</code>", link)
	return Event{Text: b.String()}
}

// AccountDeleted renders the notification for a manual removal.
func AccountDeleted(proto models.Protocol, username string) Event {
	return Event{Text: fmt.Sprintf("<b>%s account deleted</b>\nUsername: <code>%s</code>", proto, username)}
}

// QuotaIncreased renders the notification for a quota top-up.
func QuotaIncreased(proto models.Protocol, username string, addedGB, totalBytes int64) Event {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Quota added for %s account</b>\n", proto)
	fmt.Fprintf(&b, "Username: <code>%s</code>\n", username)
	fmt.Fprintf(&b, "Added: %d GB\n", addedGB)
	fmt.Fprintf(&b, "New limit: %s", models.FormatBytes(totalBytes))
	return Event{Text: b.String()}
}

// QuotaExceeded renders the eviction notice sent when usage crosses
// the configured limit.
func QuotaExceeded(proto models.Protocol, username string, usageBytes, limitBytes int64) Event {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s account removed: quota exceeded</b>\n", proto)
	fmt.Fprintf(&b, "Username: <code>%s</code>\n", username)
	fmt.Fprintf(&b, "Usage: %s\n", models.FormatBytes(usageBytes))
	fmt.Fprintf(&b, "Limit: %s", models.FormatBytes(limitBytes))
	return Event{Text: b.String()}
}

// Package notify delivers lifecycle notifications to requesters and
// approver cohorts. Delivery is best-effort: the engine records the
// transition before any notification is attempted, and a failed send
// only degrades the outcome message.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/rs/zerolog"

	"formflow/internal/repo"
)

// Recipient targets either a single user or every active holder of a
// role. Exactly one of the two fields is set.
type Recipient struct {
	UserID string
	RoleID string
}

// Message is a rendered notification ready for delivery.
type Message struct {
	UserID      string         `json:"user_id"`
	Event       string         `json:"event"`
	Body        string         `json:"body"`
	RequestID   string         `json:"request_id,omitempty"`
	ReferenceNo string         `json:"reference_no,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Notifier is the delivery backend.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the structured log. It is the
// default backend when no webhook is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	n.Log.Info().
		Str("user_id", msg.UserID).
		Str("event", msg.Event).
		Str("request_id", msg.RequestID).
		Str("reference_no", msg.ReferenceNo).
		Msg(msg.Body)
	return nil
}

// Dispatcher renders templates and fans messages out to recipients.
type Dispatcher struct {
	Repo      repo.Repo
	Templates map[string]string
	Backends  []Notifier
	Log       zerolog.Logger
}

// Send renders the template for event and delivers it to each
// recipient, expanding role recipients to every active role holder.
// It returns an error when any delivery failed; partial delivery is
// reported, not rolled back.
func (d Dispatcher) Send(ctx context.Context, event string, recipients []Recipient, data map[string]any) error {
	body, err := d.render(event, data)
	if err != nil {
		return err
	}
	msg := Message{Event: event, Body: body, Data: data}
	if v, ok := data["request_id"].(string); ok {
		msg.RequestID = v
	}
	if v, ok := data["reference_no"].(string); ok {
		msg.ReferenceNo = v
	}
	var failed int
	for _, rcpt := range recipients {
		users, err := d.expand(ctx, rcpt)
		if err != nil {
			d.Log.Warn().Err(err).Str("role_id", rcpt.RoleID).Msg("notify: recipient expansion failed")
			failed++
			continue
		}
		for _, userID := range users {
			msg.UserID = userID
			for _, backend := range d.Backends {
				if err := backend.Notify(ctx, msg); err != nil {
					d.Log.Warn().Err(err).Str("user_id", userID).Str("event", event).Msg("notify: delivery failed")
					failed++
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("notify: %d deliveries failed for %s", failed, event)
	}
	return nil
}

func (d Dispatcher) expand(ctx context.Context, rcpt Recipient) ([]string, error) {
	if rcpt.UserID != "" {
		return []string{rcpt.UserID}, nil
	}
	users, err := d.Repo.ListActiveUsersByRole(ctx, rcpt.RoleID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (d Dispatcher) render(event string, data map[string]any) (string, error) {
	text, ok := d.Templates[event]
	if !ok {
		return "", fmt.Errorf("notify: no template for event %s", event)
	}
	tmpl, err := template.New(event).Parse(text)
	if err != nil {
		return "", fmt.Errorf("notify: template %s: %w", event, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: render %s: %w", event, err)
	}
	return buf.String(), nil
}

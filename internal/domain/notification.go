package domain

import (
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a notification in the authoritative record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether a notification in this state will never be
// delivered again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Priorities lists all lanes in dequeue scan order, highest first.
var Priorities = [4]Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", errors.Errorf("unknown priority %q", s)
}

type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPush    Channel = "PUSH_NOTIFICATION"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelInApp   Channel = "IN_APP"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook, ChannelInApp:
		return Channel(s), nil
	}
	return "", errors.Errorf("unknown channel %q", s)
}

type RecipientType string

const (
	RecipientEmail      RecipientType = "EMAIL"
	RecipientPhone      RecipientType = "PHONE"
	RecipientDevice     RecipientType = "DEVICE_TOKEN"
	RecipientWebhookURL RecipientType = "WEBHOOK_URL"
	RecipientUserID     RecipientType = "USER_ID"
)

// RecipientType returns the recipient addressing scheme a channel expects.
func (c Channel) RecipientType() RecipientType {
	switch c {
	case ChannelEmail:
		return RecipientEmail
	case ChannelSMS:
		return RecipientPhone
	case ChannelPush:
		return RecipientDevice
	case ChannelWebhook:
		return RecipientWebhookURL
	default:
		return RecipientUserID
	}
}

// Notification is the authoritative record persisted for every accepted
// request. The queue layer never sees this type; it carries an opaque
// payload snapshot instead.
type Notification struct {
	ID            string         `json:"id"`
	RecipientType RecipientType  `json:"recipient_type"`
	Recipient     string         `json:"recipient"`
	Channel       Channel        `json:"channel"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Status        Status         `json:"status"`
	Priority      Priority       `json:"priority"`
	TemplateID    string         `json:"template_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Payload is what the delivery function needs to perform a send. It travels
// through the queue as serialized JSON.
type Payload struct {
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn sent to a provider, oldest first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider maps an ordered turn sequence to one assistant reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ErrTransient marks a provider failure worth retrying later.
var ErrTransient = errors.New("ai: transient provider failure")

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether a provider error should be shown as
// "try again" rather than as a hard failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyTransport wraps errors coming out of http.Client.Do.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(err)
}

// classifyStatus turns a non-2xx status into an error; 408, 429 and 5xx are transient.
func classifyStatus(provider string, status int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	err := fmt.Errorf("%s: %s", provider, msg)
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return Transient(err)
	}
	return err
}

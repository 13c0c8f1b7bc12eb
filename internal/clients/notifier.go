package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookSubscriber registers addresses with an external watcher that calls
// back on new transactions.
type WebhookSubscriber struct {
	baseURL     string
	callbackURL string
	http        *http.Client
}

func NewWebhookSubscriber(baseURL, callbackURL string, timeout time.Duration) *WebhookSubscriber {
	return &WebhookSubscriber{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		callbackURL: callbackURL,
		http:        &http.Client{Timeout: timeout},
	}
}

type subscriptionRequest struct {
	Address     string `json:"address"`
	CallbackURL string `json:"callback_url"`
}

func (s *WebhookSubscriber) Subscribe(ctx context.Context, address string) error {
	body, err := json.Marshal(subscriptionRequest{Address: address, CallbackURL: s.callbackURL})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return s.do(req, false)
}

// Unsubscribe treats an unknown address as already removed.
func (s *WebhookSubscriber) Unsubscribe(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/subscriptions/"+url.PathEscape(address), nil)
	if err != nil {
		return err
	}
	return s.do(req, true)
}

func (s *WebhookSubscriber) do(req *http.Request, allowNotFound bool) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if allowNotFound && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
}

type setStore interface {
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
}

const WatchedAddressesKey = "watched_addresses"

// RedisSubscriber publishes the watch list as a Redis set for an in-house
// chain watcher.
type RedisSubscriber struct {
	store setStore
}

func NewRedisSubscriber(store setStore) *RedisSubscriber {
	return &RedisSubscriber{store: store}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, address string) error {
	return s.store.SAdd(ctx, WatchedAddressesKey, address)
}

func (s *RedisSubscriber) Unsubscribe(ctx context.Context, address string) error {
	return s.store.SRem(ctx, WatchedAddressesKey, address)
}

package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/domain"
)

const (
	ContentType      = "application/activity+json"
	maxResponseBytes = 4 << 20
)

// Getter fetches a remote ActivityPub document.
type Getter interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Transport performs signed requests to other servers. Every request is
// bounded by the configured timeout; timeouts, network failures and 5xx
// answers come back as retryable errors.
type Transport struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration

	signer *domain.Actor
	key    *rsa.PrivateKey
}

func NewTransport(userAgent string, timeout time.Duration) *Transport {
	return &Transport{
		client:    &http.Client{},
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// SetSigner makes GET requests carry a signature by the given local actor,
// which servers running in authorized fetch mode require.
func (t *Transport) SetSigner(actor *domain.Actor) error {
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return err
	}
	t.signer = actor
	t.key = key
	return nil
}

func (t *Transport) Get(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", t.userAgent)
	if t.signer != nil {
		if err := SignRequest(req, t.key, t.signer.KeyID(), nil); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(uri, err)
	}
	defer resp.Body.Close()

	if err := statusError(uri, resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(uri, err)
	}
	return body, nil
}

// Post delivers body to inbox, signed by from. extra headers are added
// before signing.
func (t *Transport) Post(ctx context.Context, from *domain.Actor, inbox string, body []byte, extra http.Header) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	privateKey, err := ParsePrivateKey(from.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", t.userAgent)
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if err := SignRequest(req, privateKey, from.KeyID(), body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyTransportError(inbox, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if err := statusError(inbox, resp.StatusCode); err != nil {
		return err
	}
	log.Debugf("Transport: Delivered to %s (status: %d)", inbox, resp.StatusCode)
	return nil
}

func classifyTransportError(uri string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s", ErrFetchTimeout, uri)
	}
	return Retryable(fmt.Errorf("request to %s failed: %w", uri, err))
}

func statusError(uri string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return Retryable(fmt.Errorf("%s returned status %d", uri, status))
	default:
		return fmt.Errorf("%s returned status %d", uri, status)
	}
}

// Package publisher performs the side-effecting platform call: publishing
// a theme through the Shopify Admin GraphQL API. Every failure mode
// (network, auth, platform validation) is surfaced as a *RemoteError so
// the scheduler can treat the call as uniformly fallible.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gyotov/themify-scheduler/internal/circuitbreaker"
	"github.com/gyotov/themify-scheduler/internal/domain"
)

// DefaultAPIVersion is the Admin API version used when none is configured.
const DefaultAPIVersion = "2024-10"

const themePublishMutation = `mutation themePublish($id: ID!) {
  themePublish(id: $id) {
    theme {
      id
    }
    userErrors {
      code
      field
      message
    }
  }
}`

// RemoteError is the structured failure returned for any unsuccessful
// publish attempt.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "publish: " + e.Message
}

type graphqlRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		ThemePublish struct {
			Theme struct {
				ID string `json:"id"`
			} `json:"theme"`
			UserErrors []struct {
				Code    string   `json:"code"`
				Field   []string `json:"field"`
				Message string   `json:"message"`
			} `json:"userErrors"`
		} `json:"themePublish"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Shopify publishes themes via the Admin GraphQL API, pacing requests per
// shop and optionally short-circuiting shops with a failing circuit.
type Shopify struct {
	client     *http.Client
	apiVersion string

	// baseURL is empty in production; the endpoint is then derived from
	// the shop domain. Tests point it at an httptest server.
	baseURL string

	// Shopify throttles GraphQL Admin calls per shop; one limiter per
	// shop keeps a slow tenant from burning the cycle budget of others.
	rateLimit rate.Limit
	rateBurst int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter

	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
}

// NewShopify creates a publisher allowing at most two requests per second
// per shop.
func NewShopify() *Shopify {
	return &Shopify{
		client:     &http.Client{},
		apiVersion: DefaultAPIVersion,
		rateLimit:  rate.Limit(2),
		rateBurst:  2,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// WithAPIVersion overrides the Admin API version segment of the endpoint URL.
func (p *Shopify) WithAPIVersion(version string) *Shopify {
	p.apiVersion = version
	return p
}

// WithCircuitBreaker attaches a per-shop circuit breaker.
func (p *Shopify) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *Shopify {
	p.breaker = cb
	return p
}

// WithBaseURL points the publisher at an explicit scheme+host instead of
// https://{shop}. Used by tests and the fake-platform tool.
func (p *Shopify) WithBaseURL(baseURL string) *Shopify {
	p.baseURL = baseURL
	return p
}

// Publish runs the themePublish mutation for the session's shop. Returns
// nil on success or a *RemoteError describing the failure. Publishing an
// already-live theme is a no-op on the platform side, which is what makes
// blind retries of this call safe.
func (p *Shopify) Publish(ctx context.Context, session domain.Session, themeID string) error {
	if p.breaker != nil {
		if err := p.breaker.Allow(session.Shop); err != nil {
			return &RemoteError{Message: fmt.Sprintf("shop %s: %v", session.Shop, err)}
		}
	}

	if err := p.limiter(session.Shop).Wait(ctx); err != nil {
		return &RemoteError{Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	err := p.publishOnce(ctx, session, themeID)

	if p.breaker != nil {
		if err != nil {
			p.breaker.RecordFailure(session.Shop)
		} else {
			p.breaker.RecordSuccess(session.Shop)
		}
	}

	return err
}

func (p *Shopify) publishOnce(ctx context.Context, session domain.Session, themeID string) error {
	body, err := json.Marshal(graphqlRequest{
		Query:     themePublishMutation,
		Variables: map[string]string{"id": themeID},
	})
	if err != nil {
		return &RemoteError{Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(session.Shop), bytes.NewReader(body))
	if err != nil {
		return &RemoteError{Message: fmt.Sprintf("create request: %v", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Shopify-Access-Token", session.AccessToken)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &RemoteError{Message: fmt.Sprintf("send: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &RemoteError{Message: fmt.Sprintf("unauthorized: status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var parsed graphqlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return &RemoteError{Message: fmt.Sprintf("decode response: %v", err)}
	}

	if len(parsed.Errors) > 0 {
		return &RemoteError{Message: parsed.Errors[0].Message}
	}
	if userErrors := parsed.Data.ThemePublish.UserErrors; len(userErrors) > 0 {
		return &RemoteError{Message: fmt.Sprintf("%s: %s", userErrors[0].Code, userErrors[0].Message)}
	}

	return nil
}

func (p *Shopify) endpoint(shop string) string {
	base := p.baseURL
	if base == "" {
		base = "https://" + shop
	}
	return fmt.Sprintf("%s/admin/api/%s/graphql.json", base, p.apiVersion)
}

func (p *Shopify) limiter(shop string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[shop]
	if !ok {
		l = rate.NewLimiter(p.rateLimit, p.rateBurst)
		p.limiters[shop] = l
	}
	return l
}

// IsRemote reports whether err is a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

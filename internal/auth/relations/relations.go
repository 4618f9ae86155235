// Package relations notifies the downstream datasync service that a
// principal just logged in, so it can bind the principal to its
// resources. The notification is best effort: it runs outside the login
// transaction and its failure can never undo an issued session.
package relations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gridfuel/authgate/internal/metrics"
	"github.com/gridfuel/authgate/internal/observability/logger"
)

// Relation identifies the principal on the downstream side. Exactly one
// of TIN / SSN is set.
type Relation struct {
	TIN string `json:"tin,omitempty"`
	SSN string `json:"ssn,omitempty"`
}

type Notifier struct {
	url        string
	retries    int
	reqTimeout time.Duration
	http       *http.Client
}

func NewNotifier(baseURL, path string, retries int, reqTimeout time.Duration) *Notifier {
	return &Notifier{
		url:        baseURL + path,
		retries:    retries,
		reqTimeout: reqTimeout,
		http:       &http.Client{Timeout: reqTimeout},
	}
}

// Notify posts the relation with the fresh session as bearer. Retries
// with backoff; after the last attempt the failure is logged and
// dropped. Callers run this on its own goroutine.
func (n *Notifier) Notify(ctx context.Context, bearer string, rel Relation) {
	log := logger.From(ctx).With(logger.Component("relations"))

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				metrics.ObserveRelationNotify(false)
				log.Warn("relation notification abandoned", logger.Err(ctx.Err()))
				return
			}
		}
		if lastErr = n.post(ctx, bearer, rel); lastErr == nil {
			metrics.ObserveRelationNotify(true)
			return
		}
	}
	metrics.ObserveRelationNotify(false)
	log.Warn("relation notification dropped", logger.Err(lastErr), logger.Int("retries", n.retries))
}

func (n *Notifier) post(ctx context.Context, bearer string, rel Relation) error {
	body, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.reqTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relations: http %d", resp.StatusCode)
	}
	return nil
}

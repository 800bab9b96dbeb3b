package notify

import (
	"context"
	"errors"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/httputil"
)

// Webhook POSTs a Payload to a fixed URL.
type Webhook struct {
	URL    string
	Client httputil.HTTPClient
}

// NewWebhook returns a Webhook using c, or a 10s standard client when c
// is nil.
func NewWebhook(url string, c httputil.HTTPClient) *Webhook {
	if c == nil {
		c = httputil.NewStandardClient(0)
	}
	return &Webhook{URL: url, Client: c}
}

// HandleAlert implements Sink.
func (w *Webhook) HandleAlert(ctx context.Context, a aggregator.Alert) error {
	if w.URL == "" {
		return deliveryError("webhook", errors.New("no URL configured"))
	}
	if err := httputil.PostJSON(ctx, w.Client, w.URL, NewPayload(a)); err != nil {
		return deliveryError("webhook", err)
	}
	return nil
}

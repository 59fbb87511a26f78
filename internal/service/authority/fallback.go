package authority

import (
	"context"
	"fmt"

	"TrapLine/internal/domain/models"
	domserv "TrapLine/internal/domain/service"
	xhttp "TrapLine/pkg/http"
	applogger "TrapLine/pkg/logger"
)

// Fallback posts a whole intent to the authority's HTTP ingest in one
// shot. It carries no PREPARE state, so it is only used when the
// WebSocket path has already failed for this intent.
type Fallback struct {
	baseURL string
	client  *xhttp.Client
	l       *applogger.Logger
}

var _ domserv.FallbackDispatcher = (*Fallback)(nil)

// NewFallback creates the single-shot HTTP dispatcher.
func NewFallback(baseURL string, client *xhttp.Client, l *applogger.Logger) *Fallback {
	return &Fallback{baseURL: baseURL, client: client, l: l}
}

// Dispatch posts the envelope to /v1/intents and checks the ack.
func (f *Fallback) Dispatch(ctx context.Context, env *models.IntentEnvelope) error {
	if f.client == nil || f.baseURL == "" {
		return fmt.Errorf("fallback dispatcher not configured")
	}
	var ack models.DispatchAck
	err := f.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    f.baseURL + "/v1/intents",
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Source":     env.Payload.Source,
		},
		Body: env,
	}, &ack)
	if err != nil {
		return fmt.Errorf("fallback dispatch %s: %w", env.ID, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("fallback dispatch %s: rejected: %s", env.ID, ack.Reason)
	}
	if f.l != nil {
		f.l.Info("fallback dispatched", applogger.String("intent", env.ID))
	}
	return nil
}

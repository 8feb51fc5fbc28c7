package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/talkingobjects/internal/config"
	"github.com/MrWong99/talkingobjects/internal/observe"
	"github.com/MrWong99/talkingobjects/internal/resilience"
)

// Target is the upstream realtime endpoint and its credential.
type Target struct {
	URL            string
	Model          string
	Credential     config.Secret
	ConnectTimeout time.Duration
}

// TargetFromConfig converts the upstream config section.
func TargetFromConfig(c config.UpstreamConfig) Target {
	return Target{
		URL:            c.URL,
		Model:          c.Model,
		Credential:     c.APIKey,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// endpoint returns the dial URL with the model query parameter set.
func (t Target) endpoint() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", err
	}
	if t.Model != "" {
		q := u.Query()
		q.Set("model", t.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dialer opens upstream legs through a circuit breaker.
type dialer struct {
	breaker *resilience.Breaker
	metrics *observe.Metrics
	client  *http.Client
}

// dial opens one upstream connection for target. The handshake is bounded by
// target.ConnectTimeout; timeouts count against the breaker while caller
// cancellation does not.
func (d *dialer) dial(ctx context.Context, target Target) (_ *websocket.Conn, err error) {
	ctx, span := observe.StartSpan(ctx, "relay.upstream.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", target.URL),
			attribute.String("upstream.model", target.Model),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	wsURL, err := target.endpoint()
	if err != nil {
		return nil, fmt.Errorf("relay: upstream url: %w", err)
	}

	var conn *websocket.Conn
	start := time.Now()
	err = d.breaker.Do(ctx, func(ctx context.Context) error {
		dctx := ctx
		if target.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, target.ConnectTimeout)
			defer cancel()
		}
		c, resp, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
			HTTPClient: d.client,
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + target.Credential.Reveal()},
				"OpenAI-Beta":   []string{"realtime=v1"},
			},
		})
		if err != nil {
			if resp != nil {
				return fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
			}
			return err
		}
		conn = c
		return nil
	})
	d.metrics.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.Logger(ctx).Warn("relay: upstream dial failed",
			"url", target.URL,
			"model", target.Model,
			"breaker", d.breaker.State().String(),
			"err", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return conn, nil
}

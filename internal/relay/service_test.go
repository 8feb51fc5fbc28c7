package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/talkingobjects/internal/observe"
	"github.com/MrWong99/talkingobjects/internal/protocol"
	"github.com/MrWong99/talkingobjects/internal/resilience"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startUpstream launches a fake realtime API. handler runs with the accepted
// conn; the conn is dropped when handler returns.
func startUpstream(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testRelay struct {
	svc    *Service
	srv    *httptest.Server
	reader *sdkmetric.ManualReader
}

func newTestRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if cfg.Target.ConnectTimeout == 0 {
		cfg.Target.ConnectTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}

	svc := New(cfg, WithMetrics(m))
	srv := httptest.NewServer(svc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		srv.Close()
	})
	return &testRelay{svc: svc, srv: srv, reader: reader}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(tr.srv), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// attempts returns the link_attempts counter for result.
func (tr *testRelay) attempts(t *testing.T, result string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := tr.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "talkingobjects.relay.link_attempts" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("result")); ok && v.AsString() == result {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func waitActive(t *testing.T, svc *Service, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Active() = %d, want %d", svc.Active(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// closeStatus drains conn until it ends and returns the close status, or -1
// on timeout. It may run outside the test goroutine.
func closeStatus(conn *websocket.Conn) websocket.StatusCode {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	got := closeStatus(conn)
	if got == -1 {
		t.Fatal("connection was not closed with a status within timeout")
	}
	return got
}

// ── plain HTTP ───────────────────────────────────────────────────────────────

func TestServeHTTP_PlainRequests(t *testing.T) {
	svc := New(Config{}, WithMetrics(observe.DefaultMetrics()))

	tests := []struct {
		name      string
		method    string
		header    http.Header
		wantCode  int
		wantBody  string
		wantAllow string
	}{
		{name: "get", method: http.MethodGet, wantCode: http.StatusOK, wantBody: protocol.EndpointMessage},
		{name: "post", method: http.MethodPost, wantCode: http.StatusOK, wantBody: protocol.EndpointMessage},
		{name: "put", method: http.MethodPut, wantCode: http.StatusMethodNotAllowed, wantAllow: "GET, POST"},
		{name: "delete", method: http.MethodDelete, wantCode: http.StatusMethodNotAllowed, wantAllow: "GET, POST"},
		{
			name:     "upgrade without websocket",
			method:   http.MethodGet,
			header:   http.Header{"Connection": {"keep-alive, Upgrade"}, "Upgrade": {"h2c"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "upgrade header missing",
			method:   http.MethodGet,
			header:   http.Header{"Connection": {"upgrade"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:   "websocket upgrade with put",
			method: http.MethodPut,
			header: http.Header{
				"Connection":            {"Upgrade"},
				"Upgrade":               {"websocket"},
				"Sec-Websocket-Key":     {"dGhlIHNhbXBsZSBub25jZQ=="},
				"Sec-Websocket-Version": {"13"},
			},
			wantCode:  http.StatusMethodNotAllowed,
			wantAllow: "GET",
		},
		{
			name:      "upgrade intent with post and no upgrade header",
			method:    http.MethodPost,
			header:    http.Header{"Connection": {"upgrade"}},
			wantCode:  http.StatusMethodNotAllowed,
			wantAllow: "GET",
		},
		{
			name:      "upgrade intent with put and wrong upgrade header",
			method:    http.MethodPut,
			header:    http.Header{"Connection": {"upgrade"}, "Upgrade": {"h2c"}},
			wantCode:  http.StatusMethodNotAllowed,
			wantAllow: "GET",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/realtime", nil)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			rec := httptest.NewRecorder()
			svc.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" {
				if got := rec.Body.String(); got != tt.wantBody {
					t.Errorf("body = %q, want %q", got, tt.wantBody)
				}
				if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
					t.Errorf("Content-Type = %q, want text/plain", ct)
				}
			}
			if got := rec.Header().Get("Allow"); got != tt.wantAllow {
				t.Errorf("Allow = %q, want %q", got, tt.wantAllow)
			}
			if n := svc.Active(); n != 0 {
				t.Errorf("Active() = %d, want 0", n)
			}
			if err := svc.CheckCapacity(context.Background()); err != nil {
				t.Errorf("CheckCapacity after rejected request = %v, want nil", err)
			}
		})
	}
}

// ── link lifecycle ───────────────────────────────────────────────────────────

func TestRelay_ForwardsInOrder(t *testing.T) {
	const frames = 10
	received := make(chan []byte, frames)
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				t.Errorf("upstream got message type %v, want binary", typ)
			}
			received <- data
		}
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}})
	down := tr.dial(t)

	ctx := context.Background()
	var sent [][]byte
	for i := range frames {
		frame := bytes.Repeat([]byte{byte(i)}, 320)
		sent = append(sent, frame)
		if err := down.Write(ctx, websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	for i := range frames {
		select {
		case got := <-received:
			if !bytes.Equal(got, sent[i]) {
				t.Fatalf("frame %d = %x..., want %x...", i, got[:4], sent[i][:4])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("upstream received %d frames, want %d", i, frames)
		}
	}
	if got := tr.attempts(t, "ok"); got != 1 {
		t.Errorf("link_attempts{result=ok} = %d, want 1", got)
	}
}

func TestRelay_DownstreamPreservesMessageType(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"session.created"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3, 4})
		_, _, _ = conn.Read(ctx)
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}})
	down := tr.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	want := []struct {
		typ  websocket.MessageType
		data string
	}{
		{websocket.MessageText, `{"type":"session.created"}`},
		{websocket.MessageBinary, "\x01\x02\x03\x04"},
	}
	for i, w := range want {
		typ, data, err := down.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if typ != w.typ || string(data) != w.data {
			t.Errorf("message %d = (%v, %q), want (%v, %q)", i, typ, data, w.typ, w.data)
		}
	}
}

func TestRelay_SendsUpstreamCredential(t *testing.T) {
	type seen struct{ auth, beta, model string }
	got := make(chan seen, 1)
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		got <- seen{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		_, _, _ = conn.Read(r.Context())
	})
	tr := newTestRelay(t, Config{Target: Target{
		URL:        wsURL(up) + "/v1/realtime",
		Model:      "test-model",
		Credential: "sk-test-123",
	}})
	tr.dial(t)

	select {
	case s := <-got:
		if s.auth != "Bearer sk-test-123" {
			t.Errorf("Authorization = %q, want Bearer sk-test-123", s.auth)
		}
		if s.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q, want realtime=v1", s.beta)
		}
		if s.model != "test-model" {
			t.Errorf("model = %q, want test-model", s.model)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was never dialled")
	}
}

func TestRelay_UpstreamConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(hung.Close)
	t.Cleanup(func() { close(release) })

	tr := newTestRelay(t, Config{Target: Target{
		URL:            wsURL(hung),
		ConnectTimeout: 100 * time.Millisecond,
	}})
	down := tr.dial(t)

	start := time.Now()
	if got := readClose(t, down); got != protocol.StatusUpstreamUnavailable {
		t.Errorf("close status = %d, want %d", got, protocol.StatusUpstreamUnavailable)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("downstream closed after %v, want about the connect timeout", elapsed)
	}
	if got := tr.svc.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}
	if got := tr.attempts(t, "upstream_unavailable"); got != 1 {
		t.Errorf("link_attempts{result=upstream_unavailable} = %d, want 1", got)
	}
	if got := tr.attempts(t, "ok"); got != 0 {
		t.Errorf("link_attempts{result=ok} = %d, want 0", got)
	}
}

func TestRelay_UpstreamAbruptClose(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
		// Returning drops the TCP connection without a close frame.
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}})
	down := tr.dial(t)
	waitActive(t, tr.svc, 1)

	if err := down.Write(context.Background(), websocket.MessageBinary, make([]byte, 320)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readClose(t, down); got != protocol.StatusUpstreamUnavailable {
		t.Errorf("close status = %d, want %d", got, protocol.StatusUpstreamUnavailable)
	}
	waitActive(t, tr.svc, 0)
}

func TestRelay_UpstreamNormalClose(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}})
	down := tr.dial(t)

	if got := readClose(t, down); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %d, want %d", got, websocket.StatusNormalClosure)
	}
	waitActive(t, tr.svc, 0)
}

func TestRelay_DownstreamCloseTearsDownUpstream(t *testing.T) {
	tests := []struct {
		name  string
		close func(*websocket.Conn)
		want  websocket.StatusCode
	}{
		{
			name:  "normal",
			close: func(c *websocket.Conn) { _ = c.Close(websocket.StatusNormalClosure, "bye") },
			want:  websocket.StatusNormalClosure,
		},
		{
			name:  "abrupt",
			close: func(c *websocket.Conn) { _ = c.CloseNow() },
			want:  websocket.StatusGoingAway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstreamStatus := make(chan websocket.StatusCode, 1)
			up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
				_, _, err := conn.Read(r.Context())
				upstreamStatus <- websocket.CloseStatus(err)
			})
			tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}})
			down := tr.dial(t)
			waitActive(t, tr.svc, 1)

			tt.close(down)
			select {
			case got := <-upstreamStatus:
				if got != tt.want {
					t.Errorf("upstream close status = %d, want %d", got, tt.want)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("upstream leg was not closed")
			}
			waitActive(t, tr.svc, 0)
		})
	}
}

func TestRelay_OversizedFrameClosesBothLegs(t *testing.T) {
	upstreamStatus := make(chan websocket.StatusCode, 1)
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, err := conn.Read(r.Context())
		upstreamStatus <- websocket.CloseStatus(err)
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}, MaxFrameBytes: 1024})
	down := tr.dial(t)
	waitActive(t, tr.svc, 1)

	_ = down.Write(context.Background(), websocket.MessageBinary, make([]byte, 4096))
	if got := readClose(t, down); got != websocket.StatusMessageTooBig {
		t.Errorf("downstream close status = %d, want %d", got, websocket.StatusMessageTooBig)
	}
	select {
	case got := <-upstreamStatus:
		if got != websocket.StatusGoingAway {
			t.Errorf("upstream close status = %d, want %d", got, websocket.StatusGoingAway)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("upstream leg was not closed")
	}
}

// ── capacity, breaker, shutdown ──────────────────────────────────────────────

func TestRelay_RejectsAtCapacity(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}, MaxLinks: 1})
	tr.dial(t)
	waitActive(t, tr.svc, 1)

	if err := tr.svc.CheckCapacity(context.Background()); !errors.Is(err, ErrAtCapacity) {
		t.Errorf("CheckCapacity = %v, want ErrAtCapacity", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(tr.srv), nil)
	if err == nil {
		t.Fatal("second upgrade succeeded, want 503")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second upgrade response = %v, want 503", resp)
	}
	if got := tr.attempts(t, "at_capacity"); got != 1 {
		t.Errorf("link_attempts{result=at_capacity} = %d, want 1", got)
	}
}

func TestRelay_BreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	var transitions atomic.Int32
	tr := newTestRelay(t, Config{
		Target: Target{URL: wsURL(failing)},
		Breaker: resilience.BreakerConfig{
			MaxFailures:   1,
			ResetTimeout:  time.Hour,
			OnStateChange: func(_, _ resilience.State) { transitions.Add(1) },
		},
	})

	for i := range 3 {
		down := tr.dial(t)
		if got := readClose(t, down); got != protocol.StatusUpstreamUnavailable {
			t.Errorf("attempt %d: close status = %d, want %d", i, got, protocol.StatusUpstreamUnavailable)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream handshakes = %d, want 1 (breaker should fail fast)", got)
	}
	if got := transitions.Load(); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
	if err := tr.svc.CheckUpstream(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("CheckUpstream = %v, want ErrCircuitOpen", err)
	}
}

func TestRelay_Shutdown(t *testing.T) {
	upstreamStatus := make(chan websocket.StatusCode, 1)
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, err := conn.Read(r.Context())
		upstreamStatus <- websocket.CloseStatus(err)
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up)}})
	down := tr.dial(t)
	waitActive(t, tr.svc, 1)

	downStatus := make(chan websocket.StatusCode, 1)
	go func() { downStatus <- closeStatus(down) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := tr.svc.Active(); got != 0 {
		t.Errorf("Active() after Shutdown = %d, want 0", got)
	}
	for name, ch := range map[string]chan websocket.StatusCode{"downstream": downStatus, "upstream": upstreamStatus} {
		select {
		case got := <-ch:
			if got != websocket.StatusGoingAway {
				t.Errorf("%s close status = %d, want %d", name, got, websocket.StatusGoingAway)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s leg was not closed", name)
		}
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	_, resp, err := websocket.Dial(dctx, wsURL(tr.srv), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("upgrade after Shutdown = (%v, %v), want 503", resp, err)
	}
}

func TestRelay_SetTarget(t *testing.T) {
	hit := func(name string, ch chan<- string) *httptest.Server {
		return startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
			ch <- name + "?" + r.URL.Query().Get("model")
			_, _, _ = conn.Read(r.Context())
		})
	}
	got := make(chan string, 2)
	first := hit("first", got)
	second := hit("second", got)

	expect := func(want string) {
		t.Helper()
		select {
		case g := <-got:
			if g != want {
				t.Errorf("upstream hit = %q, want %q", g, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("upstream %q never dialled", want)
		}
	}

	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(first), Model: "a"}})
	tr.dial(t)
	expect("first?a")

	tr.svc.SetTarget(Target{URL: wsURL(second), Model: "b", ConnectTimeout: time.Second})
	tr.dial(t)
	expect("second?b")
	waitActive(t, tr.svc, 2)
}

func TestTarget_Endpoint(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{Target{URL: "wss://api.example.com/v1/realtime", Model: "m1"}, "wss://api.example.com/v1/realtime?model=m1"},
		{Target{URL: "wss://api.example.com/v1/realtime?model=old", Model: "new"}, "wss://api.example.com/v1/realtime?model=new"},
		{Target{URL: "ws://localhost:9000/rt"}, "ws://localhost:9000/rt"},
	}
	for _, tt := range tests {
		got, err := tt.target.endpoint()
		if err != nil {
			t.Fatalf("endpoint(%q): %v", tt.target.URL, err)
		}
		if got != tt.want {
			t.Errorf("endpoint(%q, %q) = %q, want %q", tt.target.URL, tt.target.Model, got, tt.want)
		}
	}
}

func TestHeaderHasToken(t *testing.T) {
	tests := []struct {
		values []string
		token  string
		want   bool
	}{
		{[]string{"Upgrade"}, "upgrade", true},
		{[]string{"keep-alive, Upgrade"}, "upgrade", true},
		{[]string{"keep-alive", "upgrade"}, "upgrade", true},
		{[]string{"keep-alive"}, "upgrade", false},
		{nil, "upgrade", false},
	}
	for _, tt := range tests {
		h := http.Header{"Connection": tt.values}
		if got := headerHasToken(h, "Connection", tt.token); got != tt.want {
			t.Errorf("headerHasToken(%q, %q) = %v, want %v", tt.values, tt.token, got, tt.want)
		}
	}
}

func TestRelay_CredentialNotEchoed(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
	})
	tr := newTestRelay(t, Config{Target: Target{URL: wsURL(up), Credential: "sk-secret"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, wsURL(tr.srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	for k, v := range resp.Header {
		if strings.Contains(fmt.Sprint(v), "sk-secret") {
			t.Errorf("response header %s leaks credential", k)
		}
	}
}

package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/types"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultBackoffMin     = 2 * time.Second
	defaultBackoffMax     = 120 * time.Second
	defaultSampleInterval = 10 * time.Second
	reconnectCooldown     = 5 * time.Second
)

// Backoff holds reconnect backoff bounds
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// TargetHealth tracks connection state for a telemetry target
type TargetHealth struct {
	Connected      bool      `json:"connected"`
	LastUpdate     time.Time `json:"last_update"`
	LastError      string    `json:"last_error,omitempty"`
	ReconnectCount int       `json:"reconnect_count"`
	SampleCount    int64     `json:"sample_count"`
	SyncReceived   bool      `json:"sync_received"`
	ConnectedSince time.Time `json:"connected_since"`
}

// subscription is a parsed path with the metric it feeds
type subscription struct {
	path     *gnmi.Path
	metric   string
	interval time.Duration
}

// GNMICollector streams telemetry from one gNMI target and records every
// numeric leaf matching a subscription as a metric sample.
type GNMICollector struct {
	target      config.GNMITarget
	port        int
	password    string
	subs        []subscription
	sink        Sink
	logger      zerolog.Logger
	backoff     Backoff
	dialTimeout time.Duration

	mu     sync.RWMutex
	health TargetHealth
	conn   *grpc.ClientConn
	client gnmi.GNMI_SubscribeClient
}

// NewGNMICollector creates a collector for target. Subscriptions with an
// unparsable path are refused.
func NewGNMICollector(target config.GNMITarget, defaultPort int, sink Sink, logger zerolog.Logger) (*GNMICollector, error) {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	c := &GNMICollector{
		target:      target,
		port:        port,
		sink:        sink,
		logger:      logger.With().Str("component", "gnmi-collector").Str("target", target.Name).Logger(),
		backoff:     Backoff{Min: defaultBackoffMin, Max: defaultBackoffMax},
		dialTimeout: defaultDialTimeout,
	}
	if target.PasswordEnv != "" {
		c.password = os.Getenv(target.PasswordEnv)
	}
	for _, s := range target.Subscriptions {
		path, err := parsePath(s.Path)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", s.Path, err)
		}
		interval := s.SampleInterval
		if interval <= 0 {
			interval = defaultSampleInterval
		}
		c.subs = append(c.subs, subscription{path: path, metric: s.Metric, interval: interval})
	}
	return c, nil
}

// Health returns the current connection status
func (c *GNMICollector) Health() TargetHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Run connects with retry, streams updates and reconnects after a lost
// stream until ctx is cancelled.
func (c *GNMICollector) Run(ctx context.Context) {
	defer c.closeExisting()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.health.Connected = false
		if err != nil {
			c.health.LastError = err.Error()
		}
		c.health.ReconnectCount++
		c.mu.Unlock()

		attempt++
		wait := c.backoffDuration(attempt)
		if c.Health().SyncReceived {
			// the stream was healthy before it broke
			attempt = 0
			wait = reconnectCooldown
		}
		c.logger.Warn().
			Err(err).
			Dur("backoff", wait).
			Int("attempt", attempt).
			Msg("gNMI stream lost, reconnecting")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// stream runs one connection until the stream breaks
func (c *GNMICollector) stream(ctx context.Context) error {
	c.closeExisting()
	addr := fmt.Sprintf("%s:%d", c.target.Address, c.port)
	c.logger.Info().Str("address", addr).Msg("Connecting to gNMI target")

	opts, err := c.dialOptions()
	if err != nil {
		return fmt.Errorf("dial options: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()
	conn, err := grpc.DialContext(dialCtx, addr, append(opts, grpc.WithBlock())...)
	if err != nil {
		return fmt.Errorf("failed to dial gNMI server: %w", err)
	}

	subClient, err := gnmi.NewGNMIClient(conn).Subscribe(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create subscribe client: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.client = subClient
	c.health.Connected = true
	c.health.LastError = ""
	c.health.SyncReceived = false
	c.health.ConnectedSince = time.Now()
	c.mu.Unlock()

	if err := subClient.Send(c.subscribeRequest()); err != nil {
		return fmt.Errorf("failed to start subscription: %w", err)
	}
	c.logger.Info().Int("subscriptions", len(c.subs)).Msg("gNMI subscription established")

	for {
		resp, err := subClient.Recv()
		if err != nil {
			return fmt.Errorf("receive update: %w", err)
		}
		switch v := resp.Response.(type) {
		case *gnmi.SubscribeResponse_Update:
			c.handleNotification(v.Update)
		case *gnmi.SubscribeResponse_Error:
			return fmt.Errorf("subscribe error: %s", v.Error.Message)
		case *gnmi.SubscribeResponse_SyncResponse:
			c.logger.Info().Msg("gNMI subscription sync complete")
			c.mu.Lock()
			c.health.SyncReceived = true
			c.mu.Unlock()
		}
	}
}

// closeExisting tears down the previous connection so that stale sessions
// do not accumulate on the target
func (c *GNMICollector) closeExisting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseSend()
		c.client = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *GNMICollector) subscribeRequest() *gnmi.SubscribeRequest {
	subs := make([]*gnmi.Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, &gnmi.Subscription{
			Path:           s.path,
			Mode:           gnmi.SubscriptionMode_SAMPLE,
			SampleInterval: uint64(s.interval.Nanoseconds()),
		})
	}
	return &gnmi.SubscribeRequest{
		Request: &gnmi.SubscribeRequest_Subscribe{
			Subscribe: &gnmi.SubscriptionList{
				Subscription: subs,
				Mode:         gnmi.SubscriptionList_STREAM,
			},
		},
	}
}

// handleNotification converts the numeric updates of a notification into
// samples
func (c *GNMICollector) handleNotification(notif *gnmi.Notification) int {
	if notif == nil {
		return 0
	}
	ts := time.Unix(0, notif.Timestamp)
	if notif.Timestamp == 0 {
		ts = time.Now()
	}

	recorded := 0
	for _, update := range notif.Update {
		elems := joinPath(notif.Prefix, update.Path)
		value, ok := typedValueToFloat(update.Val)
		if !ok {
			continue
		}
		for _, s := range c.subs {
			metric, match := matchSubscription(s, elems)
			if !match {
				continue
			}
			c.sink.Record(types.MetricSample{MetricName: metric, Value: value, Timestamp: ts})
			recorded++
			c.logger.Debug().
				Str("path", pathToString(&gnmi.Path{Elem: elems})).
				Str("metric", metric).
				Float64("value", value).
				Msg("gNMI sample recorded")
			break
		}
	}

	c.mu.Lock()
	c.health.LastUpdate = ts
	c.health.SampleCount += int64(recorded)
	c.mu.Unlock()
	return recorded
}

func joinPath(prefix, path *gnmi.Path) []*gnmi.PathElem {
	var elems []*gnmi.PathElem
	if prefix != nil {
		elems = append(elems, prefix.Elem...)
	}
	if path != nil {
		elems = append(elems, path.Elem...)
	}
	return elems
}

// matchSubscription reports whether elems is the subscribed path. Values
// of wildcard keys are appended to the metric name in key order, so
// interfaces[name=*] yields one metric per interface.
func matchSubscription(s subscription, elems []*gnmi.PathElem) (string, bool) {
	if len(elems) != len(s.path.Elem) {
		return "", false
	}
	metric := s.metric
	for i, want := range s.path.Elem {
		got := elems[i]
		if got.Name != want.Name {
			return "", false
		}
		keys := make([]string, 0, len(want.Key))
		for k := range want.Key {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, ok := got.Key[k]
			if !ok {
				return "", false
			}
			if want.Key[k] == "*" {
				metric += "." + v
				continue
			}
			if v != want.Key[k] {
				return "", false
			}
		}
	}
	return metric, true
}

// dialOptions builds gRPC dial options
func (c *GNMICollector) dialOptions() ([]grpc.DialOption, error) {
	creds, err := c.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}
	if c.target.Username != "" || c.password != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&basicAuth{username: c.target.Username, password: c.password}))
	}
	return opts, nil
}

// transportCredentials returns appropriate transport credentials
func (c *GNMICollector) transportCredentials() (credentials.TransportCredentials, error) {
	t := c.target.TLS
	if !t.Enabled {
		return insecure.NewCredentials(), nil
	}
	certPool, err := loadCertPool(t.CAFile)
	if err != nil {
		return nil, err
	}
	certs, err := loadClientCert(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:            certPool,
		Certificates:       certs,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}), nil
}

// loadCertPool loads CA certificates
func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.NewCertPool(), nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid ca certs")
	}
	return pool, nil
}

// loadClientCert loads client certificate and key
func loadClientCert(certFile, keyFile string) ([]tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

// basicAuth implements gRPC PerRPCCredentials for basic auth
type basicAuth struct {
	username string
	password string
}

func (b *basicAuth) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	if b.username == "" && b.password == "" {
		return nil, nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(b.username + ":" + b.password))
	return map[string]string{"authorization": "Basic " + encoded}, nil
}

func (b *basicAuth) RequireTransportSecurity() bool {
	return false
}

// backoffDuration calculates exponential backoff with jitter
func (c *GNMICollector) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return c.backoff.Min
	}
	if attempt > 16 {
		attempt = 16
	}
	backoff := c.backoff.Min << attempt
	if backoff > c.backoff.Max || backoff <= 0 {
		backoff = c.backoff.Max
	}
	return backoff + time.Duration(rand.Int63n(int64(c.backoff.Min)))
}

// parsePath parses a string path into a gNMI Path
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is empty")
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		selector := name[open+1 : end]
		name = name[:open] + name[end+1:]
		kv := strings.SplitN(selector, "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", selector)
		}
		keys[kv[0]] = kv[1]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// pathToString converts a gNMI Path to string representation
func pathToString(path *gnmi.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		if len(elem.Key) > 0 {
			keys := make([]string, 0, len(elem.Key))
			for k := range elem.Key {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString("[" + k + "=" + elem.Key[k] + "]")
			}
		}
	}
	return b.String()
}

// typedValueToFloat extracts a numeric value from a gNMI TypedValue.
// Booleans map to 0/1; strings and JSON scalars are parsed when numeric.
func typedValueToFloat(value *gnmi.TypedValue) (float64, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_IntVal:
		return float64(v.IntVal), true
	case *gnmi.TypedValue_UintVal:
		return float64(v.UintVal), true
	case *gnmi.TypedValue_DoubleVal:
		return v.DoubleVal, true
	case *gnmi.TypedValue_FloatVal:
		return float64(v.FloatVal), true
	case *gnmi.TypedValue_BoolVal:
		if v.BoolVal {
			return 1, true
		}
		return 0, true
	case *gnmi.TypedValue_DecimalVal:
		if v.DecimalVal == nil {
			return 0, false
		}
		f := float64(v.DecimalVal.Digits)
		for i := uint32(0); i < v.DecimalVal.Precision; i++ {
			f /= 10
		}
		return f, true
	case *gnmi.TypedValue_StringVal:
		return parseNumber(v.StringVal)
	case *gnmi.TypedValue_AsciiVal:
		return parseNumber(v.AsciiVal)
	case *gnmi.TypedValue_JsonVal:
		return parseJSONNumber(v.JsonVal)
	case *gnmi.TypedValue_JsonIetfVal:
		return parseJSONNumber(v.JsonIetfVal)
	default:
		return 0, false
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// parseJSONNumber accepts a bare number or a quoted one, as IETF JSON
// encodes 64-bit integers as strings
func parseJSONNumber(raw []byte) (float64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		f, err := n.Float64()
		return f, err == nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseNumber(s)
	}
	return 0, false
}

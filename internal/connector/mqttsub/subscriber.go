package mqttsub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
	"github.com/meteologic/meteodata-collector/internal/schedule"
)

const (
	connectTimeout   = 30 * time.Second
	publishTimeout   = 10 * time.Second
	disconnectMS     = 250
	immediateRetries = 3
	reconnectMinGap  = 5 * time.Second
)

// Client is the slice of the paho client the subscriber uses. The concrete
// paho client satisfies it; tests substitute a fake.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

// ClientFactory builds a broker client from prepared options.
type ClientFactory func(opts *mqtt.ClientOptions) Client

func pahoFactory(opts *mqtt.ClientOptions) Client { return mqtt.NewClient(opts) }

// Subscriber owns one persistent broker session shared by every station of a
// credentials group. Sessions are durable (clean-session off, subscriptions
// resumed) so QoS-1 messages queued by the broker survive reconnects and
// reloads.
type Subscriber struct {
	*connector.Tracker

	deps      connector.Deps
	strategy  Strategy
	group     domain.MQTTGroup
	caFile    string
	newClient ClientFactory
	opts      *mqtt.ClientOptions

	// mu guards the client handle and the binding maps the message handler
	// reads on every delivery.
	mu       sync.Mutex
	client   Client
	bound    []domain.MQTTBinding
	byTopic  map[string]domain.MQTTBinding
	byStream map[string]domain.MQTTBinding

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lost chan error
}

// NewSubscriber builds the subscriber for one credentials group. factory may
// be nil, selecting the real paho client.
func NewSubscriber(deps connector.Deps, strategy Strategy, group domain.MQTTGroup, caFile string, factory ClientFactory) *Subscriber {
	if factory == nil {
		factory = pahoFactory
	}
	name := "mqtt-" + strategy.Suffix + "-" + group.Credentials.GroupKey()
	return &Subscriber{
		Tracker:   connector.NewTracker(name),
		deps:      deps,
		strategy:  strategy,
		group:     group,
		caFile:    caFile,
		newClient: factory,
		lost:      make(chan error, 1),
	}
}

func (s *Subscriber) options() (*mqtt.ClientOptions, error) {
	creds := s.group.Credentials
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", creds.Host, creds.Port)).
		SetClientID("meteodata." + creds.GroupKey()).
		SetUsername(creds.User).
		SetPassword(creds.Password).
		SetCleanSession(false).
		SetResumeSubs(true).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second)

	if s.caFile != "" {
		pem, err := os.ReadFile(s.caFile)
		if err != nil {
			return nil, fmt.Errorf("op=mqttsub.options: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("op=mqttsub.options: %w: no certificates in %s", domain.ErrConfig, s.caFile)
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case s.lost <- err:
		default:
		}
	})
	return opts, nil
}

// Start implements connector.Connector. The session goroutine owns the
// connection and keeps reconnecting until the context is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	s.SetState(connector.Starting)

	opts, err := s.options()
	if err != nil {
		s.SetState(connector.Stopped)
		return err
	}
	s.opts = opts
	if err := s.rebuild(ctx); err != nil {
		s.SetState(connector.Stopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Stop implements connector.Connector.
func (s *Subscriber) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.SetState(connector.Stopping)
	s.cancel()
	<-s.done
	s.cancel = nil
	return nil
}

// Reload re-reads the registry, swaps the binding maps and bounces the broker
// session so resumed subscriptions match the new bindings.
func (s *Subscriber) Reload(ctx context.Context) error {
	if err := s.rebuild(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c != nil {
		c.Disconnect(disconnectMS)
		select {
		case s.lost <- errors.New("reload"):
		default:
		}
	}
	return nil
}

// rebuild refreshes the binding maps from the registry, keeping only the
// bindings of this subscriber's credentials group that the strategy accepts.
// Topics shared by several bindings are resolved per message by stream ID.
func (s *Subscriber) rebuild(ctx context.Context) error {
	groups, err := s.deps.Registry.MQTTGroups(ctx)
	if err != nil {
		return fmt.Errorf("op=mqttsub.rebuild: %w", err)
	}
	key := s.group.Credentials.GroupKey()

	var bound []domain.MQTTBinding
	for _, g := range groups {
		if g.Credentials.GroupKey() != key {
			continue
		}
		for _, b := range g.Bindings {
			if s.strategy.Accept == nil || s.strategy.Accept(b) {
				bound = append(bound, b)
			}
		}
	}

	byTopic := make(map[string]domain.MQTTBinding, len(bound))
	byStream := make(map[string]domain.MQTTBinding, len(bound))
	shared := make(map[string]bool)
	for _, b := range bound {
		if _, dup := byTopic[b.Topic]; dup {
			shared[b.Topic] = true
		}
		byTopic[b.Topic] = b
		if b.StreamID != "" {
			byStream[b.StreamID] = b
		}
	}
	for topic := range shared {
		delete(byTopic, topic)
	}

	s.mu.Lock()
	s.bound = bound
	s.byTopic = byTopic
	s.byStream = byStream
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) bindings() []domain.MQTTBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MQTTBinding, len(s.bound))
	copy(out, s.bound)
	return out
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer s.SetState(connector.Stopped)

	if s.strategy.Duty != nil {
		go func() {
			if err := s.strategy.Duty(ctx, s.deps, s, s.bindings); err != nil && !errors.Is(err, domain.ErrStopped) {
				s.RecordError(err)
			}
		}()
	}

	for {
		if err := s.connect(ctx); err != nil {
			return
		}
		s.SetState(connector.Running)
		s.subscribeAll(ctx)

		select {
		case <-ctx.Done():
			s.mu.Lock()
			c := s.client
			s.mu.Unlock()
			if c != nil {
				c.Disconnect(disconnectMS)
			}
			return
		case err := <-s.lost:
			if err != nil {
				s.RecordError(fmt.Errorf("op=mqttsub.session: %w", err))
			}
			s.SetState(connector.Starting)
		}
	}
}

// connect retries until a session is established or the context ends. The
// first attempts are immediate; after that a growing gap is enforced so a
// dead broker is not hammered.
func (s *Subscriber) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectMinGap
	bo.MaxElapsedTime = 0

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		s.client = s.newClient(s.opts)
		c := s.client
		s.mu.Unlock()

		tok := c.Connect()
		if tok.WaitTimeout(connectTimeout) && tok.Error() == nil {
			// A loss event from the session being replaced may still be
			// queued; it must not bounce the session just established.
			select {
			case <-s.lost:
			default:
			}
			return nil
		}
		err := tok.Error()
		if err == nil {
			err = errors.New("connect timeout")
		}
		s.RecordError(fmt.Errorf("op=mqttsub.connect: %w", err))
		observability.MQTTReconnectsTotal.WithLabelValues(s.group.Credentials.GroupKey()).Inc()

		if attempt >= immediateRetries {
			if serr := schedule.Sleep(ctx, bo.NextBackOff()); serr != nil {
				return serr
			}
		}
	}
}

func (s *Subscriber) subscribeAll(ctx context.Context) {
	s.mu.Lock()
	c := s.client
	bound := make([]domain.MQTTBinding, len(s.bound))
	copy(bound, s.bound)
	s.mu.Unlock()
	if c == nil {
		return
	}

	topics := make(map[string]bool, len(bound))
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(s.sessionCtx(), msg.Topic(), msg.Payload())
	}
	for _, b := range bound {
		if topics[b.Topic] {
			continue
		}
		topics[b.Topic] = true
		tok := c.Subscribe(b.Topic, 1, handler)
		if !tok.WaitTimeout(connectTimeout) || tok.Error() != nil {
			s.RecordError(fmt.Errorf("op=mqttsub.subscribe: topic %s: %w", b.Topic, tok.Error()))
		}
	}

	if s.strategy.OnSubscribed != nil {
		for _, b := range bound {
			s.strategy.OnSubscribed(ctx, s.deps, s, b)
		}
	}
}

func (s *Subscriber) sessionCtx() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// lookup resolves a message to its binding: uniquely-owned topics first, then
// the dialect's in-body stream identifier.
func (s *Subscriber) lookup(topic string, payload []byte) (domain.MQTTBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byTopic[topic]; ok {
		return b, true
	}
	if s.strategy.StreamID != nil {
		if id, ok := s.strategy.StreamID(payload); ok {
			if b, ok := s.byStream[id]; ok {
				return b, true
			}
		}
	}
	return domain.MQTTBinding{}, false
}

func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) {
	b, ok := s.lookup(topic, payload)
	if !ok {
		s.deps.Log.Warn("message on unmapped topic",
			"connector", s.Name(), "topic", topic)
		observability.MessagesDroppedTotal.WithLabelValues(s.Name(), "unknown_topic").Inc()
		return
	}

	obs, hook, err := s.strategy.Decode(ctx, s.deps, b, payload)
	if err != nil {
		s.deps.Log.Warn("undecodable message",
			"connector", s.Name(), "topic", topic, "error", err)
		observability.MessagesDroppedTotal.WithLabelValues(s.Name(), "decode").Inc()
		return
	}

	if err := s.deps.Pipeline.Insert(ctx, b.Station, obs, ingest.Options{Connector: s.Name(), PostInsert: hook}); err != nil {
		s.RecordError(err)
		return
	}
	s.RecordInsert(obs.Time)
}

// Publish implements TopicPublisher over the live session at QoS 1.
func (s *Subscriber) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil || !c.IsConnectionOpen() {
		return fmt.Errorf("op=mqttsub.publish: not connected")
	}
	tok := c.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("op=mqttsub.publish: timeout on %s", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("op=mqttsub.publish: %w", err)
	}
	return nil
}

var _ connector.Connector = (*Subscriber)(nil)

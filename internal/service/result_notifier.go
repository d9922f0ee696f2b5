package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ResultNotifier wakes pollers waiting for a submission's result. Signals are hints:
// pollers always re-read the store, so a lost signal only delays an answer.
type ResultNotifier interface {
	Subscribe(id uuid.UUID) (<-chan struct{}, func())
	Notify(ctx context.Context, id uuid.UUID)
	Start(ctx context.Context)
}

type resultNotifier struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *resultBroker
	nodeID       string
}

type resultEvent struct {
	Source       string    `json:"source"`
	SubmissionID uuid.UUID `json:"submission_id"`
	SentAt       time.Time `json:"sent_at"`
}

type resultBroker struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]map[chan struct{}]struct{}
}

// NewResultNotifier constructs a notifier. With a nil Redis client and NATS connection
// it only reaches pollers of the local process.
func NewResultNotifier(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) ResultNotifier {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":results"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".results"
	}

	return &resultNotifier{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "result_notifier").Logger(),
		broker:       &resultBroker{subscribers: make(map[uuid.UUID]map[chan struct{}]struct{})},
		nodeID:       uuid.NewString(),
	}
}

// Start subscribes to the cross-node channels. The Redis subscription is confirmed
// before Start returns.
func (n *resultNotifier) Start(ctx context.Context) {
	if n.redis != nil && n.redisChannel != "" {
		pubsub := n.redis.Subscribe(ctx, n.redisChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			n.logger.Error().Err(err).Msg("failed to subscribe to redis result channel")
			_ = pubsub.Close()
		} else {
			go n.consumeRedis(ctx, pubsub)
		}
	}
	if n.nats != nil && n.natsSubject != "" {
		n.consumeNATS(ctx)
	}
}

func (n *resultNotifier) Subscribe(id uuid.UUID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.broker.subscribe(id, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { n.broker.unsubscribe(id, ch) })
	}
}

func (n *resultNotifier) Notify(ctx context.Context, id uuid.UUID) {
	n.broker.signal(id)
	if err := n.publish(ctx, id); err != nil {
		n.logger.Warn().Err(err).Str("submission_id", id.String()).Msg("failed to publish result event")
	}
}

func (n *resultNotifier) publish(ctx context.Context, id uuid.UUID) error {
	if (n.redis == nil || n.redisChannel == "") && (n.nats == nil || n.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(resultEvent{Source: n.nodeID, SubmissionID: id, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	var errs []error
	if n.redis != nil && n.redisChannel != "" {
		if err := n.redis.Publish(ctx, n.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.nats != nil && n.natsSubject != "" {
		if err := n.nats.Publish(n.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *resultNotifier) consumeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("result redis subscription closed")
			}
			return
		}
		n.handleEvent([]byte(msg.Payload))
	}
}

// consumeNATS uses a plain subscription so every node sees every event.
func (n *resultNotifier) consumeNATS(ctx context.Context) {
	sub, err := n.nats.Subscribe(n.natsSubject, func(msg *nats.Msg) {
		n.handleEvent(msg.Data)
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to subscribe to nats result subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			n.logger.Warn().Err(err).Msg("failed to drain result nats subscription")
		}
	}()
}

func (n *resultNotifier) handleEvent(payload []byte) {
	var event resultEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		n.logger.Warn().Err(err).Msg("invalid result event payload")
		return
	}
	if event.Source == n.nodeID {
		return
	}
	n.broker.signal(event.SubmissionID)
}

func (b *resultBroker) subscribe(id uuid.UUID, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		b.subscribers[id] = make(map[chan struct{}]struct{})
	}
	b.subscribers[id][ch] = struct{}{}
}

func (b *resultBroker) unsubscribe(id uuid.UUID, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[id]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, id)
		}
	}
}

func (b *resultBroker) signal(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	pkglog "github.com/weiawesome/wes-io-live-session/pkg/log"
)

const (
	topicSessionToViewers = "session-to-viewers"
	topicMediaToSession   = "media-to-session"
)

// knownTopics are created on startup so consumers never race producers.
var knownTopics = []string{topicSessionToViewers, topicMediaToSession}

// fanoutTopics must reach every instance, so each instance consumes them
// in a group of its own. Other topics are shared by the service's group
// and each event is handled once.
var fanoutTopics = map[string]bool{topicSessionToViewers: true}

// channelToTopicAndKey converts a Redis-style channel to a Kafka topic and message key.
//
//	"session:channel:42:to_viewers" → topic: "session-to-viewers", key: "42"
//	"media:channel:42:to_session"   → topic: "media-to-session", key: "42"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "channel" || !strings.HasPrefix(parts[3], "to_") {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}

	topic = parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-")
	return topic, parts[2], nil
}

// patternToTopic converts a Redis-style subscribe pattern to a Kafka topic.
//
//	"session:channel:*:to_viewers" → "session-to-viewers"
func patternToTopic(pattern string) (string, error) {
	channel := strings.ReplaceAll(pattern, "*", "_placeholder_")
	topic, _, err := channelToTopicAndKey(channel)
	return topic, err
}

// kafkaSubscription is owned by its poll goroutine, which is the only
// code touching the consumer. stop asks it to close and done reports
// that it has.
type kafkaSubscription struct {
	stop context.CancelFunc
	done chan struct{}
}

func (s *kafkaSubscription) close() {
	s.stop()
	<-s.done
}

// KafkaPubSub maps bus channels onto a fixed set of topics keyed by
// channel id, which keeps one channel's events ordered on one partition.
type KafkaPubSub struct {
	producer *kafka.Producer
	config   KafkaConfig
	instance string
	doneCh   chan struct{}

	mu            sync.Mutex
	subscriptions map[string]*kafkaSubscription // channel or pattern -> subscription
}

// NewKafkaPubSub creates a new Kafka-based PubSub instance.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	instance, _ := os.Hostname()
	if instance == "" {
		instance = fmt.Sprintf("pid-%d", os.Getpid())
	}

	k := &KafkaPubSub{
		producer:      p,
		config:        cfg,
		instance:      instance,
		doneCh:        make(chan struct{}),
		subscriptions: make(map[string]*kafkaSubscription),
	}
	go k.deliveryReportHandler()

	if err := k.ensureTopics(); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Msg("failed to ensure kafka topics (may already exist)")
	}
	return k, nil
}

func (k *KafkaPubSub) ensureTopics() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	specs := make([]kafka.TopicSpecification, 0, len(knownTopics))
	for _, name := range knownTopics {
		specs = append(specs, kafka.TopicSpecification{
			Topic:             name,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	l := pkglog.L()
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("failed to create kafka topic")
		}
	}
	return nil
}

func (k *KafkaPubSub) deliveryReportHandler() {
	defer close(k.doneCh)
	l := pkglog.L()
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Error().Err(m.TopicPartition.Error).
				Str("topic", *m.TopicPartition.Topic).
				Str(pkglog.FieldChannelID, string(m.Key)).
				Msg("kafka delivery failed")
		}
	}
}

// Publish produces event on the channel's topic, keyed by channel id.
// Delivery is asynchronous; failures are logged by the delivery handler.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.Type)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Subscribe consumes the channel's topic and keeps only that channel's events.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, channelID, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, err
	}
	return k.subscribeToTopic(ctx, channel, topic, channelID)
}

// SubscribePattern consumes every event on the pattern's topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	topic, err := patternToTopic(pattern)
	if err != nil {
		return nil, err
	}
	return k.subscribeToTopic(ctx, pattern, topic, "")
}

// groupFor picks the consumer group of a subscription.
func (k *KafkaPubSub) groupFor(subKey, topic, filterChannelID string) string {
	group := k.config.GroupID
	if group == "" {
		group = "pubsub-default"
	}
	switch {
	case filterChannelID != "":
		// A single channel subscriber must not compete with pattern consumers.
		return fmt.Sprintf("%s-%s-%s", group, sanitizeGroupID(k.instance), sanitizeGroupID(subKey))
	case fanoutTopics[topic]:
		return fmt.Sprintf("%s-%s", group, sanitizeGroupID(k.instance))
	default:
		return group
	}
}

func (k *KafkaPubSub) subscribeToTopic(ctx context.Context, subKey, topic, filterChannelID string) (<-chan *Event, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                k.groupFor(subKey, topic, filterChannelID),
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, stop := context.WithCancel(ctx)
	sub := &kafkaSubscription{stop: stop, done: make(chan struct{})}
	eventCh := make(chan *Event, defaultBufferSize)

	k.mu.Lock()
	previous := k.subscriptions[subKey]
	k.subscriptions[subKey] = sub
	k.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	go k.consumeMessages(subCtx, c, sub.done, eventCh, filterChannelID)
	return eventCh, nil
}

func (k *KafkaPubSub) consumeMessages(ctx context.Context, c *kafka.Consumer, done chan<- struct{}, eventCh chan<- *Event, filterChannelID string) {
	l := pkglog.L().With().Str("subscription", filterChannelID).Logger()
	defer func() {
		if err := c.Close(); err != nil {
			l.Warn().Err(err).Msg("failed to close kafka consumer")
		}
		close(eventCh)
		close(done)
	}()

	for ctx.Err() == nil {
		switch e := c.Poll(500).(type) {
		case nil:
		case *kafka.Message:
			if filterChannelID != "" && string(e.Key) != filterChannelID {
				continue
			}
			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l.Warn().Err(err).Msg("dropping malformed kafka event")
				continue
			}
			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			default:
				l.Warn().Str("event_type", event.Type).Msg("subscriber too slow, event dropped")
			}
		case kafka.Error:
			l.Error().Str("error", e.String()).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Unsubscribe stops a subscription and waits for its consumer to close.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	sub, ok := k.subscriptions[channel]
	delete(k.subscriptions, channel)
	k.mu.Unlock()

	if ok {
		sub.close()
	}
	return nil
}

// Close stops every subscription, flushes pending messages and closes
// the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	subs := k.subscriptions
	k.subscriptions = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	if remaining := k.producer.Flush(5000); remaining > 0 {
		l := pkglog.L()
		l.Warn().Int("remaining", remaining).Msg("kafka producer closed with undelivered messages")
	}
	k.producer.Close()
	<-k.doneCh
	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeGroupID replaces characters not allowed in Kafka group ids.
func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}

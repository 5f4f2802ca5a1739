package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const writeTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes ride lifecycle events and host location reports.
// Both are keyed by ride ID so a ride's history stays on one partition.
type KafkaProducer struct {
	writer         messageWriter
	eventsTopic    string
	locationsTopic string
	logger         *slog.Logger
}

func NewKafkaProducer(brokers []string, eventsTopic, locationsTopic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaProducer{writer: w, eventsTopic: eventsTopic, locationsTopic: locationsTopic, logger: logging.OrDefault(logger)}
}

// PublishRideEvent is best-effort: failures are logged and counted, never
// returned to the caller whose write already succeeded.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) {
	msg, err := rideEventMessage(k.eventsTopic, ev)
	if err != nil {
		k.logger.Warn("ride_event_encode_failed", "ride_id", ev.RideID, "error", err)
		return
	}
	if err := k.write(ctx, msg); err != nil {
		k.logger.Warn("ride_event_publish_failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}

func (k *KafkaProducer) PublishHostLocation(ctx context.Context, u models.HostLocationUpdate) error {
	msg, err := hostLocationMessage(k.locationsTopic, u)
	if err != nil {
		return err
	}
	return k.write(ctx, msg)
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := k.writer.WriteMessages(ctx, msg)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.EventsPublished.WithLabelValues(msg.Topic, outcome).Inc()
	return err
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func rideEventMessage(topic string, ev models.RideEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Topic: topic, Key: []byte(ev.RideID), Value: b}, nil
}

func hostLocationMessage(topic string, u models.HostLocationUpdate) (kafka.Message, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Topic: topic, Key: []byte(u.RideID), Value: b}, nil
}

var errMissingRideID = errors.New("host location without ride_id")

// DecodeHostLocation parses a host location report read off the bus.
func DecodeHostLocation(b []byte) (models.HostLocationUpdate, error) {
	var u models.HostLocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, err
	}
	if u.RideID == "" {
		return u, errMissingRideID
	}
	return u, nil
}

// Package ingest is the MQTT device-write path. Devices publish one JSON
// sample per message to plantsense/device/state/<device_id>; the broker
// connection is the trust boundary, so messages carry no api key and the
// device is resolved against the key file by id only.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"plantsense/internal/devicekeys"
	"plantsense/internal/model"
	"plantsense/internal/readcache"
	"plantsense/internal/store"
)

var ErrNotAStateTopic = errors.New("not a state topic")

type Ingestor struct {
	Repo         *store.Repo
	Cache        *readcache.Cache
	Keys         *devicekeys.Store
	StatePrefix  string
	AllowRetains bool
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

func (i *Ingestor) HandleMessage(ctx context.Context, msg MQTTMessage, receivedAt time.Time) {
	topic := msg.Topic()
	retained := msg.Retained()
	if retained && !i.AllowRetains {
		slog.Debug("ingest ignoring retained", "topic", topic)
		return
	}

	deviceID, err := ParseDeviceID(i.StatePrefix, topic)
	if err != nil {
		if errors.Is(err, ErrNotAStateTopic) {
			return
		}
		slog.Warn("ingest topic parse failed", "topic", topic, "error", err)
		return
	}

	dev, err := i.Keys.Lookup(deviceID)
	if err != nil {
		slog.Warn("ingest unregistered device", "topic", topic, "device_id", deviceID)
		return
	}

	var payload map[string]any
	if len(msg.Payload()) == 0 || json.Unmarshal(msg.Payload(), &payload) != nil {
		slog.Warn("ingest invalid json", "topic", topic, "device_id", deviceID)
		return
	}

	name := dev.Name
	if name == "" {
		name = deviceID
	}
	reading := model.Reading{
		ID:         uuid.New().String(),
		OwnerID:    dev.OwnerID,
		DeviceID:   deviceID,
		DeviceName: name,
		Timestamp:  model.ParseTimestamp(payload["timestamp"], receivedAt),
		ReceivedAt: receivedAt.UTC(),
		Fields:     model.ExtractFields(payload),
	}

	if err := i.Repo.Append(ctx, &reading); err != nil {
		slog.Error("ingest db insert failed", "topic", topic, "device_id", deviceID, "error", err)
		return
	}
	i.Cache.Put(dev.OwnerID, deviceID, reading)
	slog.Debug("reading stored", "device_id", deviceID, "ts", reading.Timestamp)
}

func ParseDeviceID(prefix, topic string) (string, error) {
	if prefix == "" {
		prefix = "plantsense/device/state/"
	}
	if !strings.HasPrefix(topic, prefix) {
		return "", ErrNotAStateTopic
	}
	id := strings.TrimPrefix(topic, prefix)
	id = strings.Trim(id, "/")
	if id == "" {
		return "", errors.New("empty device id")
	}
	return id, nil
}

package ha

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"locshare/internal/models"
	"locshare/pkg/mqtt"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Publisher exposes tracked people to Home Assistant over MQTT discovery.
// Each person becomes a device_tracker whose coordinates travel in the JSON
// attributes topic; each account gets a connectivity binary sensor driven by
// the session-valid signal.
type Publisher struct {
	mqttClient      mqtt.MQTTClient
	discoveryPrefix string
	topicBase       string
	qos             int
	logger          zerolog.Logger
}

// NewPublisher creates a Publisher. discoveryPrefix is Home Assistant's MQTT
// discovery prefix (normally "homeassistant"); topicBase roots the agent's
// own topics.
func NewPublisher(mqttClient mqtt.MQTTClient, discoveryPrefix, topicBase string, qos int, logger zerolog.Logger) *Publisher {
	return &Publisher{
		mqttClient:      mqttClient,
		discoveryPrefix: discoveryPrefix,
		topicBase:       topicBase,
		qos:             qos,
		logger:          logger,
	}
}

// AvailabilityTopic is the agent-level availability topic, also used as the
// MQTT last-will target.
func (p *Publisher) AvailabilityTopic() string {
	return p.topicBase + "/status"
}

// PublishOnline marks the agent available.
func (p *Publisher) PublishOnline() error {
	return p.publish(p.AvailabilityTopic(), []byte(payloadOnline), true)
}

// PublishOffline marks the agent unavailable, for orderly shutdown.
func (p *Publisher) PublishOffline() error {
	return p.publish(p.AvailabilityTopic(), []byte(payloadOffline), true)
}

// trackerConfig is the discovery payload for a person's device tracker.
type trackerConfig struct {
	Name                string       `json:"name"`
	UniqueID            string       `json:"unique_id"`
	JSONAttributesTopic string       `json:"json_attributes_topic"`
	AvailabilityTopic   string       `json:"availability_topic"`
	SourceType          string       `json:"source_type"`
	Device              deviceConfig `json:"device"`
}

// sensorConfig is the discovery payload for an account's connectivity sensor.
type sensorConfig struct {
	Name              string       `json:"name"`
	UniqueID          string       `json:"unique_id"`
	StateTopic        string       `json:"state_topic"`
	AvailabilityTopic string       `json:"availability_topic"`
	DeviceClass       string       `json:"device_class"`
	PayloadOn         string       `json:"payload_on"`
	PayloadOff        string       `json:"payload_off"`
	Device            deviceConfig `json:"device"`
}

type deviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// trackerAttributes carries a person's location and metadata. Latitude,
// longitude and gps_accuracy are picked up by Home Assistant from the
// attributes topic.
type trackerAttributes struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	GPSAccuracy     int     `json:"gps_accuracy"`
	Address         string  `json:"address,omitempty"`
	LastSeen        string  `json:"last_seen,omitempty"`
	FullName        string  `json:"full_name"`
	Nickname        string  `json:"nickname"`
	BatteryCharging *bool   `json:"battery_charging,omitempty"`
	BatteryLevel    *int    `json:"battery_level,omitempty"`
	EntityPicture   string  `json:"entity_picture,omitempty"`
}

// PublishTrackerConfig announces the device tracker for a person. Retained so
// Home Assistant rediscovers the entity after a broker or HA restart.
func (p *Publisher) PublishTrackerConfig(uid models.UniqueID, name string) error {
	slug := Slugify(string(uid))
	config := trackerConfig{
		Name:                name,
		UniqueID:            fmt.Sprintf("%s_%s", p.topicBase, slug),
		JSONAttributesTopic: p.trackerAttributesTopic(uid),
		AvailabilityTopic:   p.AvailabilityTopic(),
		SourceType:          "gps",
		Device: deviceConfig{
			Identifiers:  []string{fmt.Sprintf("%s_%s", p.topicBase, slug)},
			Name:         name,
			SerialNumber: string(uid),
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize tracker config: %w", err)
	}
	return p.publish(p.trackerConfigTopic(uid), payload, true)
}

// PublishPerson publishes the person's current location and metadata.
func (p *Publisher) PublishPerson(uid models.UniqueID, person models.PersonData) error {
	if person.Loc == nil {
		return nil
	}

	attrs := trackerAttributes{
		Latitude:        person.Loc.Latitude,
		Longitude:       person.Loc.Longitude,
		GPSAccuracy:     person.Loc.GPSAccuracy,
		Address:         person.Loc.Address,
		LastSeen:        person.Loc.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		FullName:        person.Misc.FullName,
		Nickname:        person.Misc.Nickname,
		BatteryCharging: person.Misc.BatteryCharging,
		BatteryLevel:    person.Misc.BatteryLevel,
		EntityPicture:   person.Misc.EntityPicture,
	}

	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to serialize tracker attributes: %w", err)
	}
	return p.publish(p.trackerAttributesTopic(uid), payload, true)
}

// RemoveTracker clears the retained discovery and attribute messages for a
// person whose entity is being torn down.
func (p *Publisher) RemoveTracker(uid models.UniqueID) error {
	if err := p.publish(p.trackerConfigTopic(uid), []byte{}, true); err != nil {
		return err
	}
	return p.publish(p.trackerAttributesTopic(uid), []byte{}, true)
}

// PublishSensorConfig announces the connectivity binary sensor for an
// account.
func (p *Publisher) PublishSensorConfig(cid models.ConfigID, title string) error {
	slug := Slugify(string(cid))
	config := sensorConfig{
		Name:              fmt.Sprintf("%s online", title),
		UniqueID:          fmt.Sprintf("%s_%s_online", p.topicBase, slug),
		StateTopic:        p.sessionTopic(cid),
		AvailabilityTopic: p.AvailabilityTopic(),
		DeviceClass:       "connectivity",
		PayloadOn:         payloadOnline,
		PayloadOff:        payloadOffline,
		Device: deviceConfig{
			Identifiers: []string{fmt.Sprintf("%s_%s", p.topicBase, slug)},
			Name:        title,
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize sensor config: %w", err)
	}
	return p.publish(p.sensorConfigTopic(cid), payload, true)
}

// PublishSessionValid publishes whether the account's session is currently
// able to fetch location data.
func (p *Publisher) PublishSessionValid(cid models.ConfigID, valid bool) error {
	state := payloadOffline
	if valid {
		state = payloadOnline
	}
	return p.publish(p.sessionTopic(cid), []byte(state), true)
}

// PublishCookieNotice publishes a retained notice for an account, used to
// surface an approaching cookie expiration. An empty message clears it.
func (p *Publisher) PublishCookieNotice(cid models.ConfigID, message string) error {
	return p.publish(p.noticeTopic(cid), []byte(message), true)
}

// RemoveSensor clears the retained discovery and state messages for a
// removed account.
func (p *Publisher) RemoveSensor(cid models.ConfigID) error {
	if err := p.publish(p.sensorConfigTopic(cid), []byte{}, true); err != nil {
		return err
	}
	if err := p.publish(p.sessionTopic(cid), []byte{}, true); err != nil {
		return err
	}
	return p.publish(p.noticeTopic(cid), []byte{}, true)
}

func (p *Publisher) trackerConfigTopic(uid models.UniqueID) string {
	return fmt.Sprintf("%s/device_tracker/%s_%s/config", p.discoveryPrefix, p.topicBase, Slugify(string(uid)))
}

func (p *Publisher) trackerAttributesTopic(uid models.UniqueID) string {
	return fmt.Sprintf("%s/tracker/%s/attributes", p.topicBase, Slugify(string(uid)))
}

func (p *Publisher) sensorConfigTopic(cid models.ConfigID) string {
	return fmt.Sprintf("%s/binary_sensor/%s_%s_online/config", p.discoveryPrefix, p.topicBase, Slugify(string(cid)))
}

func (p *Publisher) sessionTopic(cid models.ConfigID) string {
	return fmt.Sprintf("%s/account/%s/session", p.topicBase, Slugify(string(cid)))
}

func (p *Publisher) noticeTopic(cid models.ConfigID) string {
	return fmt.Sprintf("%s/account/%s/notice", p.topicBase, Slugify(string(cid)))
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) error {
	token := p.mqttClient.Publish(topic, byte(p.qos), retained, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish MQTT message")
		return err
	}
	return nil
}

// Slugify lowers a string to MQTT- and entity-ID-safe characters.
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

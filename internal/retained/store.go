// Package retained implements the per-domain retained-message store: the
// latest message published with retain=1 on each topic, delivered to new
// subscribers whose filter matches.
package retained

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"mqttd/internal/message"
	"mqttd/internal/packet"
	"mqttd/internal/topic"
)

// record is the on-disk layout for one retained message:
// "body = latest retained payload + 1-byte qos + 1-byte retain-flag header".
type record struct {
	QoS     packet.QoS
	Retain  bool
	Payload []byte
}

// Store holds one retained message per topic, optionally backed by a
// directory of <url-encoded-topic> files for durability across restarts.
type Store struct {
	mu    sync.RWMutex
	byTopic map[string]*message.Message
	dir   string
}

// New constructs an in-memory retained store. If dir is non-empty, the
// store persists each upsert/delete to <dir>/<url-encoded-topic> and
// loads any existing files at construction time.
func New(dir string) (*Store, error) {
	s := &Store{byTopic: make(map[string]*message.Message), dir: dir}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("retained store: create directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("retained store: read directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		topicName, err := url.QueryUnescape(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil || len(data) < 2 {
			continue
		}
		rec := record{
			QoS:     packet.QoS(data[0]),
			Retain:  data[1] != 0,
			Payload: append([]byte(nil), data[2:]...),
		}
		s.byTopic[topicName] = message.NewFromPublish(&packet.Publish{
			Header:  packet.Header{QoS: rec.QoS, Retain: rec.Retain},
			Topic:   topicName,
			Payload: rec.Payload,
		}, nil, nil)
	}
	return s, nil
}

// Upsert applies a retained PUBLISH: empty payload deletes the entry
// (idempotently — deleting a non-existent topic is a no-op), otherwise
// the topic's retained message is replaced.
func (s *Store) Upsert(pub *packet.Publish) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pub.Payload) == 0 {
		if old, ok := s.byTopic[pub.Topic]; ok {
			old.Release()
			delete(s.byTopic, pub.Topic)
		}
		return s.persistDelete(pub.Topic)
	}

	if old, ok := s.byTopic[pub.Topic]; ok {
		old.Release()
	}
	s.byTopic[pub.Topic] = message.NewFromPublish(pub, nil, nil)
	return s.persistUpsert(pub.Topic, pub.QoS, pub.Retain, pub.Payload)
}

// Match returns every retained message whose topic matches filter,
// suitable for delivery to a client that just subscribed. A linear scan
// is acceptable: the retained set is typically small.
func (s *Store) Match(filter string) []*message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*message.Message
	for t, m := range s.byTopic {
		if topic.Matches(filter, t) {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the retained message for an exact topic, if any.
func (s *Store) Get(topicName string) (*message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byTopic[topicName]
	return m, ok
}

func (s *Store) persistUpsert(topicName string, qos packet.QoS, retain bool, payload []byte) error {
	if s.dir == "" {
		return nil
	}
	body := make([]byte, 2+len(payload))
	body[0] = byte(qos)
	if retain {
		body[1] = 1
	}
	copy(body[2:], payload)
	path := filepath.Join(s.dir, url.QueryEscape(topicName))
	return os.WriteFile(path, body, 0o644)
}

func (s *Store) persistDelete(topicName string) error {
	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, url.QueryEscape(topicName))
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Package session implements persistent per-client state for
// clean_session=false clients: subscriptions plus an offline queue of
// messages published while the client was disconnected. Each client's
// session is backed by an append-only record log at
// <storage>/sessions/<client-id>.log.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mqttd/internal/packet"
)

// QueuedMessage is one offline message awaiting delivery on reconnect.
type QueuedMessage struct {
	Topic    string     `json:"topic"`
	Payload  []byte     `json:"payload"`
	QoS      packet.QoS `json:"qos"`
	PacketID uint16     `json:"packet_id"`
}

// Session is the persisted state for one clean_session=false client.
type Session struct {
	ClientID      string                `json:"client_id"`
	Subscriptions map[string]packet.QoS `json:"subscriptions"`
	OfflineQueue  []QueuedMessage       `json:"offline_queue"`
}

func newSession(clientID string) *Session {
	return &Session{ClientID: clientID, Subscriptions: make(map[string]packet.QoS)}
}

// recordKind tags each line of the append-only log.
type recordKind string

const (
	recordSubAdd    recordKind = "sub_add"
	recordSubRemove recordKind = "sub_remove"
	recordQueued    recordKind = "queued"
	recordCheckpoint recordKind = "checkpoint"
)

type logRecord struct {
	Kind     recordKind      `json:"kind"`
	Filter   string          `json:"filter,omitempty"`
	QoS      packet.QoS      `json:"qos,omitempty"`
	Queued   *QueuedMessage  `json:"queued,omitempty"`
	Snapshot *Session        `json:"snapshot,omitempty"`
}

// compactionThreshold is the delta count after which Store opportunistically
// rewrites a client's log as a single checkpoint record.
const compactionThreshold = 200

// Store manages the on-disk session logs for one domain. dir == "" makes
// the store memory-only (useful for tests and for domains that don't
// configure persistent storage).
type Store struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*Session
	deltas   map[string]int
}

// NewStore opens (creating if needed) the session directory.
func NewStore(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session store: create directory: %w", err)
		}
	}
	return &Store{dir: dir, sessions: make(map[string]*Session), deltas: make(map[string]int)}, nil
}

func (s *Store) logPath(clientID string) string {
	return filepath.Join(s.dir, clientID+".log")
}

// LoadOrCreate resumes a persisted session for clientID, or creates a new
// empty one. existed reports whether a prior session was found, which
// feeds CONNACK's session_present bit.
func (s *Store) LoadOrCreate(clientID string) (sess *Session, existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.sessions[clientID]; ok {
		return cached, true, nil
	}

	if s.dir == "" {
		sess = newSession(clientID)
		s.sessions[clientID] = sess
		return sess, false, nil
	}

	f, err := os.Open(s.logPath(clientID))
	if os.IsNotExist(err) {
		sess = newSession(clientID)
		s.sessions[clientID] = sess
		return sess, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session store: open log: %w", err)
	}
	defer f.Close()

	sess = newSession(clientID)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec logRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // tolerate a torn last line from a crash mid-append
		}
		applyRecord(sess, rec)
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("session store: read log: %w", err)
	}

	s.sessions[clientID] = sess
	s.deltas[clientID] = count
	return sess, true, nil
}

func applyRecord(sess *Session, rec logRecord) {
	switch rec.Kind {
	case recordSubAdd:
		sess.Subscriptions[rec.Filter] = rec.QoS
	case recordSubRemove:
		delete(sess.Subscriptions, rec.Filter)
	case recordQueued:
		if rec.Queued != nil {
			sess.OfflineQueue = append(sess.OfflineQueue, *rec.Queued)
		}
	case recordCheckpoint:
		if rec.Snapshot != nil {
			sess.Subscriptions = rec.Snapshot.Subscriptions
			sess.OfflineQueue = rec.Snapshot.OfflineQueue
		}
	}
}

// AddSubscription appends a subscription-add delta and updates the
// in-memory session.
func (s *Store) AddSubscription(clientID, filter string, qos packet.QoS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[clientID]
	if sess == nil {
		return fmt.Errorf("session store: unknown client %q", clientID)
	}
	sess.Subscriptions[filter] = qos
	return s.append(clientID, logRecord{Kind: recordSubAdd, Filter: filter, QoS: qos})
}

// RemoveSubscription appends a subscription-remove delta.
func (s *Store) RemoveSubscription(clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[clientID]
	if sess == nil {
		return fmt.Errorf("session store: unknown client %q", clientID)
	}
	delete(sess.Subscriptions, filter)
	return s.append(clientID, logRecord{Kind: recordSubRemove, Filter: filter})
}

// Enqueue appends a queued-publish delta for delivery on the client's
// next reconnect.
func (s *Store) Enqueue(clientID string, qm QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[clientID]
	if sess == nil {
		return fmt.Errorf("session store: unknown client %q", clientID)
	}
	sess.OfflineQueue = append(sess.OfflineQueue, qm)
	return s.append(clientID, logRecord{Kind: recordQueued, Queued: &qm})
}

// DrainQueue removes and returns every offline message queued for
// clientID, persisting the drain as a checkpoint.
func (s *Store) DrainQueue(clientID string) ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[clientID]
	if sess == nil {
		return nil, fmt.Errorf("session store: unknown client %q", clientID)
	}
	queue := sess.OfflineQueue
	sess.OfflineQueue = nil
	if err := s.checkpointLocked(clientID, sess); err != nil {
		return nil, err
	}
	return queue, nil
}

// Destroy removes a session entirely: called when a client reconnects
// with clean_session=true, or is administratively removed.
func (s *Store) Destroy(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	delete(s.deltas, clientID)
	if s.dir == "" {
		return nil
	}
	err := os.Remove(s.logPath(clientID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) append(clientID string, rec logRecord) error {
	s.deltas[clientID]++
	if s.dir == "" {
		return nil
	}

	f, err := os.OpenFile(s.logPath(clientID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session store: open log for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session store: marshal record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("session store: append: %w", err)
	}

	if s.deltas[clientID] >= compactionThreshold {
		return s.checkpointLocked(clientID, s.sessions[clientID])
	}
	return nil
}

// checkpointLocked rewrites the client's log as a single checkpoint
// record, run opportunistically when the delta count crosses the
// compaction threshold. Caller must hold s.mu.
func (s *Store) checkpointLocked(clientID string, sess *Session) error {
	s.deltas[clientID] = 0
	if s.dir == "" {
		return nil
	}
	snapshot := &Session{ClientID: sess.ClientID, Subscriptions: sess.Subscriptions, OfflineQueue: sess.OfflineQueue}
	line, err := json.Marshal(logRecord{Kind: recordCheckpoint, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("session store: marshal checkpoint: %w", err)
	}
	return os.WriteFile(s.logPath(clientID), append(line, '\n'), 0o644)
}

// Close is a no-op placeholder for symmetry with other storage-backed
// subsystems (sqlite handles, file descriptors held across calls); the
// session store opens and closes its log file on every append.
func (s *Store) Close() {}

package tutorbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrSnapshotNotFound is returned by SnapshotStorage.Load when no snapshot has been written yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupt marks a snapshot that could not be parsed at all.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// SnapshotStorage persists the whole session map. Save always receives the complete store and
// replaces whatever was stored before; there is no incremental write.
type SnapshotStorage interface {
	// Load returns every session that could be read. Malformed entries are dropped individually.
	Load(ctx context.Context) (map[string]*Session, error)

	// Save overwrites the stored snapshot with sessions.
	Save(ctx context.Context, sessions map[string]*Session) error
}

// snapshotEntrySchema describes one contact entry of the JSON snapshot. Entries written by the
// Portuguese deployment use "messages" with "user"/"assistant" keys and are accepted as well.
const snapshotEntrySchema = `{
  "type": "object",
  "required": ["lastActivity"],
  "anyOf": [
    {"required": ["history"]},
    {"required": ["messages"]}
  ],
  "properties": {
    "history": {"type": "array", "items": {"$ref": "#/definitions/exchange"}},
    "messages": {"type": "array", "items": {"$ref": "#/definitions/exchange"}},
    "lastActivity": {"type": "string", "format": "date-time"},
    "createdAt": {"type": "string", "format": "date-time"}
  },
  "definitions": {
    "exchange": {
      "type": "object",
      "required": ["timestamp"],
      "properties": {
        "userText": {"type": "string"},
        "assistantText": {"type": "string"},
        "user": {"type": "string"},
        "assistant": {"type": "string"},
        "timestamp": {"type": "string", "format": "date-time"},
        "level": {"type": "string"}
      }
    }
  }
}`

var (
	entrySchemaOnce sync.Once
	entrySchema     *gojsonschema.Schema
	entrySchemaErr  error
)

func loadEntrySchema() (*gojsonschema.Schema, error) {
	entrySchemaOnce.Do(func() {
		entrySchema, entrySchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(snapshotEntrySchema))
	})
	return entrySchema, entrySchemaErr
}

type snapshotExchange struct {
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	User          string    `json:"user,omitempty"`
	Assistant     string    `json:"assistant,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
}

type snapshotEntry struct {
	History      []snapshotExchange `json:"history"`
	Messages     []snapshotExchange `json:"messages,omitempty"`
	LastActivity time.Time          `json:"lastActivity"`
	CreatedAt    *time.Time         `json:"createdAt,omitempty"`
}

// encodeSnapshot renders sessions in the durable JSON format, keys sorted for stable diffs.
func encodeSnapshot(sessions map[string]*Session) ([]byte, error) {
	out := make(map[string]snapshotEntry, len(sessions))
	for key, sess := range sessions {
		history := make([]snapshotExchange, 0, len(sess.History))
		for _, ex := range sess.History {
			history = append(history, snapshotExchange{
				UserText:      ex.UserText,
				AssistantText: ex.AssistantText,
				Timestamp:     ex.Timestamp,
				Level:         string(ex.Level),
			})
		}
		createdAt := sess.CreatedAt
		out[key] = snapshotEntry{
			History:      history,
			LastActivity: sess.LastActivity,
			CreatedAt:    &createdAt,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// decodeSnapshot parses a JSON snapshot. A document that is not a JSON object yields
// ErrSnapshotCorrupt; individual entries failing validation are skipped and their keys returned.
func decodeSnapshot(data []byte) (map[string]*Session, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	schema, err := loadEntrySchema()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile snapshot schema: %w", err)
	}

	sessions := make(map[string]*Session, len(raw))
	var dropped []string
	for key, entryData := range raw {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(entryData))
		if err != nil || !result.Valid() {
			dropped = append(dropped, key)
			continue
		}

		var entry snapshotEntry
		if err := json.Unmarshal(entryData, &entry); err != nil {
			dropped = append(dropped, key)
			continue
		}
		sessions[key] = entry.toSession(key)
	}
	sort.Strings(dropped)

	return sessions, dropped, nil
}

func (e snapshotEntry) toSession(key string) *Session {
	items := e.History
	if items == nil {
		items = e.Messages
	}

	history := make([]Exchange, 0, len(items))
	for _, item := range items {
		ex := Exchange{
			UserText:      item.UserText,
			AssistantText: item.AssistantText,
			Timestamp:     item.Timestamp,
			Level:         ParseLevel(item.Level),
		}
		if ex.UserText == "" {
			ex.UserText = item.User
		}
		if ex.AssistantText == "" {
			ex.AssistantText = item.Assistant
		}
		history = append(history, ex)
	}

	createdAt := e.LastActivity
	if e.CreatedAt != nil && !e.CreatedAt.After(e.LastActivity) {
		createdAt = *e.CreatedAt
	}

	return &Session{
		Key:          key,
		History:      history,
		LastActivity: e.LastActivity,
		CreatedAt:    createdAt,
	}
}

// MemorySnapshotStorage keeps the snapshot in process memory only. It backs the serverless
// deployment mode where nothing may be written to disk.
type MemorySnapshotStorage struct {
	mu   sync.Mutex
	data []byte
}

// NewMemorySnapshotStorage creates an empty in-memory snapshot.
func NewMemorySnapshotStorage() *MemorySnapshotStorage {
	return &MemorySnapshotStorage{}
}

// Load decodes the last saved snapshot.
func (m *MemorySnapshotStorage) Load(_ context.Context) (map[string]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil, ErrSnapshotNotFound
	}
	sessions, _, err := decodeSnapshot(m.data)
	return sessions, err
}

// Save encodes sessions and keeps the bytes.
func (m *MemorySnapshotStorage) Save(_ context.Context, sessions map[string]*Session) error {
	data, err := encodeSnapshot(sessions)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

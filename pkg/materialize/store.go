package materialize

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/kairo/internal/tracing"
)

// ErrNotFound is returned when a reference id has no stored payload.
var ErrNotFound = errors.New("materialized payload not found")

// Reference is the compact stand-in handed to the planner when a tool
// result is too large to keep inline. It carries enough summary for the
// model to reason about the data without seeing it.
type Reference struct {
	ID           string                 `json:"ref_id"`
	ToolID       string                 `json:"tool_id"`
	RecordCount  int                    `json:"record_count"`
	Fields       []string               `json:"fields,omitempty"`
	SampleRecord map[string]interface{} `json:"sample_record,omitempty"`
	SizeBytes    int                    `json:"size_bytes"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Store persists offloaded tool results in SQLite.
type Store struct {
	db        *sql.DB
	threshold int
	logger    zerolog.Logger
}

// Config holds materializer store configuration.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// ThresholdBytes is the serialized payload size above which a result
	// is offloaded and replaced with a Reference.
	ThresholdBytes int

	Logger zerolog.Logger
}

// NewStore opens the materializer database and initializes its schema.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.ThresholdBytes <= 0 {
		cfg.ThresholdBytes = 256 * 1024
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode so offloads do not block concurrent fetches.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:        db,
		threshold: cfg.ThresholdBytes,
		logger:    cfg.Logger,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS payloads (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			size_bytes INTEGER NOT NULL,
			record_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payloads_run ON payloads(run_id);
		CREATE INDEX IF NOT EXISTS idx_payloads_created ON payloads(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Threshold returns the offload size threshold in bytes.
func (s *Store) Threshold() int {
	return s.threshold
}

// Offload stores data if its serialized form exceeds the threshold and
// returns the Reference to hand out instead. A nil Reference means the
// payload is small enough to stay inline.
func (s *Store) Offload(ctx context.Context, runID, toolID string, data interface{}) (*Reference, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	if len(payload) < s.threshold {
		return nil, nil
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"kairo.materialize",
		"materialize.offload",
		attribute.String("tool_id", toolID),
		attribute.Int("size_bytes", len(payload)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	ref := summarize(toolID, data)
	ref.ID = uuid.New().String()
	ref.SizeBytes = len(payload)
	ref.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO payloads (id, run_id, tool_id, payload, size_bytes, record_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ref.ID, runID, toolID, payload, ref.SizeBytes, ref.RecordCount, ref.CreatedAt.Unix(),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store payload: %w", err)
	}

	logger.Debug().
		Str("ref_id", ref.ID).
		Str("tool_id", toolID).
		Int("size_bytes", ref.SizeBytes).
		Int("record_count", ref.RecordCount).
		Msg("Payload offloaded")

	return ref, nil
}

// Fetch retrieves a previously offloaded payload by reference id.
func (s *Store) Fetch(ctx context.Context, refID string) (interface{}, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM payloads WHERE id = ?", refID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payload: %w", err)
	}

	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return data, nil
}

// PurgeRun deletes all payloads stored for one run.
func (s *Store) PurgeRun(ctx context.Context, runID string) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM payloads WHERE run_id = ?", runID)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// PurgeOlderThan deletes payloads created before the cutoff. Used by the
// retention sweep.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM payloads WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// summarize builds the reference summary from the payload shape.
func summarize(toolID string, data interface{}) *Reference {
	ref := &Reference{ToolID: toolID}

	switch v := data.(type) {
	case []interface{}:
		ref.RecordCount = len(v)
		if len(v) > 0 {
			if record, ok := v[0].(map[string]interface{}); ok {
				ref.SampleRecord = record
				for field := range record {
					ref.Fields = append(ref.Fields, field)
				}
				sort.Strings(ref.Fields)
			}
		}

	case string:
		lines := strings.Split(strings.TrimRight(v, "\n"), "\n")
		if len(lines) > 1 {
			ref.RecordCount = len(lines) - 1
			ref.Fields = strings.Split(lines[0], "\t")
		}

	case map[string]interface{}:
		ref.RecordCount = 1
		ref.SampleRecord = v
		for field := range v {
			ref.Fields = append(ref.Fields, field)
		}
		sort.Strings(ref.Fields)
	}

	return ref
}

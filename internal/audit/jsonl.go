package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/session"
)

type jsonlEntry struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Note      string    `json:"note,omitempty"`
	Data      any       `json:"data"`
	Event     time.Time `json:"event"`
}

// JSONL appends audit records to a newline-delimited JSON file, one
// object per event. Suited to paper sessions and local replay.
type JSONL struct {
	mu   sync.Mutex
	path string
}

// NewJSONL creates the parent directory and returns a JSONL sink.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &JSONL{path: path}, nil
}

func (j *JSONL) LogOrder(sessionID string, o order.Order, note string) {
	j.append(jsonlEntry{Type: "order", SessionID: sessionID, Note: note, Data: o})
}

func (j *JSONL) LogPosition(sessionID string, p portfolio.Position, note string) {
	j.append(jsonlEntry{Type: "position", SessionID: sessionID, Note: note, Data: p})
}

func (j *JSONL) LogClosedPosition(sessionID string, p portfolio.ClosedPosition) {
	j.append(jsonlEntry{Type: "closed_position", SessionID: sessionID, Data: p})
}

func (j *JSONL) LogExecution(sessionID string, r order.ExecutionReport) {
	j.append(jsonlEntry{Type: "execution", SessionID: sessionID, Data: r})
}

func (j *JSONL) LogRiskEvent(e RiskEventRecord) {
	j.append(jsonlEntry{Type: "risk_event", SessionID: e.SessionID, Data: e})
}

func (j *JSONL) LogAccountSnapshot(sessionID string, a broker.AccountInfo) {
	j.append(jsonlEntry{Type: "account_snapshot", SessionID: sessionID, Data: a})
}

func (j *JSONL) LogSession(s session.Session, note string) {
	j.append(jsonlEntry{Type: "session", SessionID: s.ID, Note: note, Data: s})
}

func (j *JSONL) Close() error { return nil }

func (j *JSONL) append(entry jsonlEntry) {
	entry.Event = time.Now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		j.fail(entry.Type, err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		j.fail(entry.Type, err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		j.fail(entry.Type, err)
	}
}

func (j *JSONL) fail(recordType string, err error) {
	observ.IncCounter("audit_write_errors_total", map[string]string{"sink": "jsonl", "type": recordType})
	observ.Error("audit_write_failed", map[string]any{"sink": "jsonl", "type": recordType, "error": err.Error()})
}

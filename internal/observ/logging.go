package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

func Log(event string, kv map[string]any) {
	logLevel("info", event, kv)
}

// Warn is for recoverable conditions the operator should see (skipped
// tickers, rejected orders, reconciliation drift).
func Warn(event string, kv map[string]any) {
	logLevel("warn", event, kv)
}

// Error is for failures that were absorbed rather than propagated
// (audit sink write failures, broker errors after retry exhaustion).
func Error(event string, kv map[string]any) {
	logLevel("error", event, kv)
}

func logLevel(level, event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["level"] = level
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

package observ

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

var (
	logMu  sync.Mutex
	logOut io.Writer = os.Stdout
)

// SetOutput redirects Log's destination, mainly so tests can capture
// emitted events instead of writing to stdout.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOut = w
}

// Log emits a single JSON line carrying event and kv, plus a UTC timestamp.
// Runs and the LLM harness use it as their structured event trail.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, err := json.Marshal(kv)
	if err != nil {
		return
	}
	b = append(b, '\n')

	logMu.Lock()
	defer logMu.Unlock()
	_, _ = logOut.Write(b)
}

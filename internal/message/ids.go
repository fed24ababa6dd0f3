// ABOUTME: Process-unique message id generation and random request ids.
// ABOUTME: Message ids are a per-process random prefix plus a strictly increasing counter.

package message

import (
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ids = struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
}{
	prefix: strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
}

// NewMessageID returns an id that never repeats within this process.
func NewMessageID() string {
	ids.mu.Lock()
	ids.counter++
	n := ids.counter
	ids.mu.Unlock()

	return ids.prefix + "-" + strconv.FormatUint(n, 10)
}

// NewRequestID returns a fresh id for a logical RPC exchange.
func NewRequestID() string {
	return uuid.NewString()
}

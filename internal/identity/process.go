package identity

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/attendflow/pkg/schema"
)

// Process identifies one running attendflow process. Its string form
// "hostname:pid:nonce" is used as the holder of distributed locks and the
// claimer of outbox entries.
type Process struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
	Nonce    string `json:"nonce"`
}

func (p Process) String() string {
	return fmt.Sprintf("%s:%d:%s", p.Hostname, p.PID, p.Nonce)
}

// NewProcess builds a fresh identity for the current OS process. Two calls in
// the same process yield different nonces.
func NewProcess() Process {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	// Colons would break Parse.
	host = strings.ReplaceAll(host, ":", "_")
	return Process{Hostname: host, PID: os.Getpid(), Nonce: uuid.New().String()}
}

var (
	currentOnce sync.Once
	current     Process
)

// Current returns the identity of this process, created on first use.
func Current() Process {
	currentOnce.Do(func() { current = NewProcess() })
	return current
}

// Parse splits a holder string back into its parts.
func Parse(holder string) (Process, error) {
	parts := strings.SplitN(holder, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Process{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid process identity %q: want hostname:pid:nonce", holder)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return Process{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid process identity %q: pid must be a positive integer", holder)
	}
	return Process{Hostname: parts[0], PID: pid, Nonce: parts[2]}, nil
}

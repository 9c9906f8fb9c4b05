package coordinator

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OwnerIdentity is a fingerprint of the current process, used to mark lock
// ownership so a lock can only be released or extended by the process that
// acquired it. The fingerprint hashes host, pid, process start time and a
// random salt so recycled pids on the same host do not collide.
type OwnerIdentity string

var (
	identityOnce sync.Once
	identity     OwnerIdentity
)

// ProcessIdentity returns the owner identity for this process.
// The identity is computed once and is stable for the process lifetime.
func ProcessIdentity() OwnerIdentity {
	identityOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		raw := fmt.Sprintf("%s:%d:%d:%s", host, os.Getpid(), time.Now().UnixNano(), uuid.NewString())
		identity = OwnerIdentity(DigestKey(raw))
	})
	return identity
}

// String returns the identity as a plain string.
func (o OwnerIdentity) String() string {
	return string(o)
}

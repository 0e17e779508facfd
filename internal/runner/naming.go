package runner

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// GenerateInstanceName derives a collision-free instance name from the
// base image: a millisecond-resolution timestamp plus the process ID.
// Two invocations started within the same timestamp window still differ
// by PID, so concurrent runs against the same base image never collide.
func GenerateInstanceName(base string) string {
	ts := strings.ReplaceAll(time.Now().Format("20060102-150405.000"), ".", "")
	return fmt.Sprintf("%s-%s-%d", base, ts, os.Getpid())
}

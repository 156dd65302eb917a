//go:build !unix

package sandbox

import (
	"errors"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
)

var errUnsupported = errors.New("sandbox: resource limits need a unix host")

func ApplyLimits(ResourceProfile) error { return errUnsupported }

func ProcessCPUTime() (time.Duration, error) { return 0, errUnsupported }

func OpenChildPipes(frame.Limits) (*PipeTransport, error) { return nil, errUnsupported }

package engine

import (
	"fmt"
	"strings"
	"time"
)

// Recognizer kinds accepted by FactoryFor.
const (
	RecognizerWhisper = "whisper"
	RecognizerExec    = "exec"
	RecognizerMock    = "mock"
)

// FactoryFor returns the recognizer factory for kind.
func FactoryFor(kind, command string, threads int) (RecognizerFactory, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case RecognizerWhisper:
		if !whisperCompiled {
			return nil, ErrNativeUnavailable
		}
		return NewWhisperFactory(threads), nil
	case RecognizerExec:
		return NewExecFactory(command, threads)
	case RecognizerMock, "":
		return NewMockFactory(50 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown recognizer %q", kind)
	}
}

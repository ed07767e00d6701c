package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"github.com/mattn/go-shellwords"
)

// ExecRecognizer runs an external command per job. The command receives
// --audio, --model, --language and --task flags and writes JSON lines to
// stdout:
//
//	{"segments":[{"text":" hi","start_ms":0,"end_ms":900}]}
//	{"progress":40}
//	{"text":"hi"}
type ExecRecognizer struct {
	cmd       []string
	modelPath string
	threads   int
}

type execLine struct {
	Segments []execSegment `json:"segments"`
	Progress *int          `json:"progress"`
	Text     *string       `json:"text"`
}

type execSegment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   *int64 `json:"end_ms"`
}

// NewExecFactory parses command once and returns a factory for it.
func NewExecFactory(command string, threads int) (RecognizerFactory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return func(modelPath string, _ state.Configuration) (Recognizer, error) {
		if _, err := os.Stat(modelPath); err != nil {
			return nil, fmt.Errorf("model artifact: %w", err)
		}
		return &ExecRecognizer{cmd: args, modelPath: modelPath, threads: threads}, nil
	}, nil
}

func (r *ExecRecognizer) Recognize(ctx context.Context, samples []float32, opts Options, sink Sink) (string, error) {
	file, err := os.CreateTemp("", "scribe_job_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := audio.EncodeWAV(file, samples); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--model", r.modelPath)
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Subtask != "" {
		cmdArgs = append(cmdArgs, "--task", opts.Subtask)
	}
	if r.threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(r.threads))
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return "", fmt.Errorf("start engine command: %w", err)
	}

	var final string
	var decodeErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			if decodeErr == nil {
				decodeErr = fmt.Errorf("decode engine output: %w", err)
			}
			continue
		}
		for _, seg := range msg.Segments {
			if sink.Segment != nil {
				sink.Segment(state.Chunk{Text: seg.Text, StartMS: seg.StartMS, EndMS: seg.EndMS})
			}
		}
		if msg.Progress != nil && sink.Progress != nil {
			sink.Progress(*msg.Progress)
		}
		if msg.Text != nil {
			final = *msg.Text
		}
	}

	if err := command.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}
	if decodeErr != nil {
		return "", decodeErr
	}
	return final, nil
}

func (r *ExecRecognizer) Close() error { return nil }

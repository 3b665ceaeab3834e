package runner

import (
	"bytes"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// buildCommand expands an agent command template into argv. The template is
// shell-quoted; {instructions}, {model}, and {effort} placeholders are
// substituted after splitting so instructions never go through the shell.
func buildCommand(template string, runtime types.RuntimeSpec, instructions string) ([]string, error) {
	tokens, err := shellquote.Split(template)
	if err != nil {
		return nil, types.KindErrorf(types.ErrorKindValidation, "malformed runtime command template %q: %s", template, err)
	}
	if len(tokens) == 0 {
		return nil, types.KindErrorf(types.ErrorKindValidation, "empty runtime command template")
	}
	sub := strings.NewReplacer(
		"{instructions}", instructions,
		"{model}", runtime.Model,
		"{effort}", runtime.Effort,
	)
	argv := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		expanded := sub.Replace(tok)
		// Drop tokens which were only a placeholder for an unset field, so
		// templates like "--model {model}" degrade cleanly.
		if expanded == "" && tok != "" {
			if len(argv) > 0 && strings.HasPrefix(argv[len(argv)-1], "-") {
				argv = argv[:len(argv)-1]
			}
			continue
		}
		argv = append(argv, expanded)
	}
	return argv, nil
}

// lineWriter splits written bytes into lines and forwards them to the event
// sink as log events, redacted.
type lineWriter struct {
	sink     logSink
	stream   types.LogStream
	redactor *util.Redactor
	buf      bytes.Buffer
}

// logSink is the subset of the event sink the line writer uses.
type logSink interface {
	Log(level types.EventLevel, stream types.LogStream, message string)
}

func newLineWriter(sink logSink, stream types.LogStream, redactor *util.Redactor) *lineWriter {
	return &lineWriter{
		sink:     sink,
		stream:   stream,
		redactor: redactor,
	}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it buffered.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

func (w *lineWriter) emit(line string) {
	level := types.EventLevelInfo
	if w.stream == types.LogStreamStderr {
		level = types.EventLevelWarn
	}
	w.sink.Log(level, w.stream, w.redactor.Redact(line))
}

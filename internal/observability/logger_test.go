package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	noopLogger
	errors []string
	fields [][]Field
}

func (r *recordingLogger) Error(msg string, fields ...Field) {
	r.errors = append(r.errors, msg)
	r.fields = append(r.fields, fields)
}

func TestZerologLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZerologLogger(&buf, "debug", false)
	require.NoError(t, err)

	logger.With(F("exchange", "backpack")).Info("subscribed",
		F("stream", "ticker.SOL_USDC"),
		F("attempt", 3),
		F("delay", 2*time.Second),
		Err(errors.New("boom")),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "subscribed", entry["message"])
	require.Equal(t, "backpack", entry["exchange"])
	require.Equal(t, "ticker.SOL_USDC", entry["stream"])
	require.EqualValues(t, 3, entry["attempt"])
	require.Equal(t, "boom", entry["error"])
}

func TestZerologLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZerologLogger(&buf, "warn", false)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("hidden")
	require.Zero(t, buf.Len())

	logger.Warn("shown")
	require.True(t, strings.Contains(buf.String(), "shown"))
}

func TestNewZerologLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZerologLogger(&bytes.Buffer{}, "loud", false)
	require.Error(t, err)
}

func TestSetLoggerFallsBackToNoop(t *testing.T) {
	rec := &recordingLogger{}
	SetLogger(rec)
	t.Cleanup(func() { SetLogger(nil) })

	require.Same(t, rec, OrDefault(nil).(*recordingLogger))
	SetLogger(nil)
	require.IsType(t, noopLogger{}, Log())
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	rec := &recordingLogger{}
	require.NoError(t, AggregateErrors(rec, "resubscribe", []error{nil, nil}))
	require.Empty(t, rec.errors)

	first := errors.New("first")
	err := AggregateErrors(rec, "resubscribe", []error{first, nil, errors.New("second")}, F("exchange", "edgex"))
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "resubscribe failed")
	require.Len(t, rec.errors, 1)

	var count any
	for _, f := range rec.fields[0] {
		if f.Key == "error_count" {
			count = f.Value
		}
	}
	require.Equal(t, 2, count)
}

package toast

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairtrack/engine/internal/domain"
)

type recordingSurface struct {
	got []Message
	err error
}

func (r *recordingSurface) Show(_ context.Context, m Message) error {
	r.got = append(r.got, m)
	return r.err
}

func TestLogSurface_WritesSeverityAndMessage(t *testing.T) {
	var buf bytes.Buffer
	s := LogSurface{Logger: zerolog.New(&buf)}

	err := s.Show(context.Background(), Message{
		Severity: domain.SeverityWarning,
		Message:  "Waiting on parts",
		JobID:    "job-1",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, "Waiting on parts")
}

func TestMulti_AttemptsEverySurface(t *testing.T) {
	failing := &recordingSurface{err: errors.New("ui offline")}
	ok := &recordingSurface{}

	err := Multi{failing, ok}.Show(context.Background(), Message{Message: "hi"})
	require.Error(t, err)
	assert.Len(t, failing.got, 1)
	assert.Len(t, ok.got, 1, "later surfaces still receive the toast")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Show(context.Background(), Message{}))
}

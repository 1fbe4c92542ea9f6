package progress

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEpoch(t *testing.T) {
	var buf bytes.Buffer
	Writer = &buf
	defer func() { Writer = os.Stdout }()

	e := NewEpoch(2, 3, 4)
	for _, loss := range []float64{4, 3, 2, 1} {
		e.Update(loss)
	}
	e.Done(2.5)
	out := buf.String()
	assert.Contains(t, out, "Epoch 2/3")
	assert.Contains(t, out, "2 of 3")
	assert.Contains(t, out, "Mean loss")
	assert.Contains(t, out, "2.5")
}

func TestClose(t *testing.T) {
	var buf bytes.Buffer
	Writer = &buf
	defer func() { Writer = os.Stdout }()

	// An epoch interrupted before Done must still show the cursor again, exactly once.
	e := NewEpoch(1, 2, 10)
	e.Update(1)
	e.Close()
	e.Close()
	out := buf.String()
	assert.Contains(t, out, "\x1b[?25l")
	assert.Equal(t, 1, strings.Count(out, "\x1b[?25h"))
	assert.Greater(t, strings.LastIndex(out, "\x1b[?25h"), strings.LastIndex(out, "\x1b[?25l"))

	buf.Reset()
	e = NewEpoch(2, 2, 1)
	e.Update(1)
	e.Done(1)
	e.Close()
	assert.Equal(t, 1, strings.Count(buf.String(), "\x1b[?25h"))
}

package cmdlog

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/sweep/sweeptest"
)

func TestRender(t *testing.T) {
	assert.Contains(t, Render("\n"), "<no response>")
	assert.Contains(t, Render("\xff"), "<no response>")
	assert.Contains(t, Render("-3.5\n"), `[4] "-3.5"`)
	assert.Contains(t, Render("\x01\x02"), "01 02")
	long := string(bytes.Repeat([]byte{0x80}, 40))
	assert.Contains(t, Render(long), "[40] 80 80")
}

func TestBusLogsTraffic(t *testing.T) {
	var out bytes.Buffer
	l := log.New(&out)
	l.SetLevel(log.DebugLevel)
	fa := sweeptest.NewAnalyzer()
	b := Wrap(fa, l)

	require.NoError(t, b.Command("SP 1000HZ"))
	s, err := b.Query("SP?")
	require.NoError(t, err)
	assert.Equal(t, "1000", s)
	_, err = b.Query("ID?")
	assert.ErrorIs(t, err, phasenoise.ErrTimeout)
	require.NoError(t, b.Command("O2;TA"))
	buf, err := b.ReadBinary(4)
	require.NoError(t, err)
	assert.Len(t, buf, 4)

	assert.Equal(t, []string{"SP 1000HZ", "SP?", "ID?", "O2;TA"}, fa.Commands())
	logged := out.String()
	assert.Contains(t, logged, "SP 1000HZ")
	assert.Contains(t, logged, "[4]")
	assert.Contains(t, logged, "read timed out")
	assert.Contains(t, logged, "<read 4>")
}

package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseAcceptsNamesAndNumbers(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"TERM", "SIGTERM", "sigterm", " term ", "15"} {
		sig, err := Parse(input)
		require.NoError(t, err, input)
		require.Equal(t, Term, sig, input)
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "NOPE", "0", "99"} {
		_, err := Parse(input)
		require.Error(t, err, input)
	}
}

func TestFromUnixRejectsRealtimeSignals(t *testing.T) {
	t.Parallel()

	sig, ok := FromUnix(unix.SIGKILL)
	require.True(t, ok)
	require.Equal(t, Kill, sig)

	_, ok = FromUnix(unix.Signal(40))
	require.False(t, ok)
}

func TestStringUsesKernelNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "SIGSTOP", Stop.String())
	require.Equal(t, unix.SIGCONT, Cont.Unix())
}

func TestAllIsSorted(t *testing.T) {
	t.Parallel()

	all := All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		require.Less(t, int(all[i-1]), int(all[i]))
	}
	require.Contains(t, all, Chld)
}

package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), in)
	}

	_, ok := LookupLevel("bogus")
	require.False(t, ok)
	l, ok := LookupLevel("Warning")
	require.True(t, ok)
	require.Equal(t, LevelWarn, l)
}

func TestLoggerLevels(t *testing.T) {
	l := Nop()
	l.SetLevel(LevelWarn)
	require.Equal(t, LevelWarn, l.GetLevel())

	child := l.With(String("component", "test"))
	child.SetLevel(LevelDebug)
	require.Equal(t, LevelDebug, l.GetLevel(), "children share the atomic level")
}

func TestToZapFields(t *testing.T) {
	fields := toZapFields(
		Bool("b", true),
		Duration("d", time.Second),
		Int("i", 1),
		Uint64("u", 2),
		String("s", "x"),
		Error(errors.New("boom")),
		Any("a", []int{1}),
	)
	require.Len(t, fields, 7)
	require.Equal(t, "error", fields[5].Key)
}

func TestProvideWithoutNew(t *testing.T) {
	require.NotNil(t, Provide())
}

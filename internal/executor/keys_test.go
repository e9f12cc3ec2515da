package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyCombination(t *testing.T) {
	testCases := []struct {
		combo string
		want  []uint32
	}{
		{"Enter", []uint32{KeysymReturn}},
		{"Control+A", []uint32{KeysymControlL, 'a'}},
		{"ctrl+shift+t", []uint32{KeysymControlL, KeysymShiftL, 't'}},
		{"Alt+F4", []uint32{KeysymAltL, KeysymF1 + 3}},
		{"Meta+Space", []uint32{KeysymMetaL, KeysymSpace}},
		{"Control++", []uint32{KeysymControlL, '+'}},
		{"+", []uint32{'+'}},
		{" PageDown ", []uint32{KeysymPageDown}},
		{"Escape", []uint32{KeysymEscape}},
		{"F12", []uint32{0xffc9}},
	}
	for _, tc := range testCases {
		t.Run(tc.combo, func(t *testing.T) {
			got, err := ParseKeyCombination(tc.combo)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseKeyCombination_Errors(t *testing.T) {
	for _, combo := range []string{"", "  ", "Control+", "Control++Shift+", "Turbo"} {
		_, err := ParseKeyCombination(combo)
		assert.Error(t, err, "combo %q should fail", combo)
	}
}

func TestRuneKeysym(t *testing.T) {
	assert.Equal(t, uint32('a'), RuneKeysym('a'))
	assert.Equal(t, uint32(0xe9), RuneKeysym('é'))
	assert.Equal(t, KeysymReturn, RuneKeysym('\n'))
	assert.Equal(t, KeysymTab, RuneKeysym('\t'))
	assert.Equal(t, uint32(0x010020ac), RuneKeysym('€'))
}

func TestKeysymRune_RoundTrip(t *testing.T) {
	for _, r := range []rune{'a', 'Z', ' ', '~', 'é', '€', '日'} {
		got, ok := KeysymRune(RuneKeysym(r))
		require.True(t, ok, "rune %q", r)
		assert.Equal(t, r, got)
	}
	_, ok := KeysymRune(KeysymReturn)
	assert.False(t, ok)
	_, ok = KeysymRune(KeysymControlL)
	assert.False(t, ok)
}

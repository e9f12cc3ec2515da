package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name       string
		descriptor schemas.ActionDescriptor
		expected   schemas.RiskTier
	}{
		{
			name:       "plain click is medium",
			descriptor: schemas.ActionDescriptor{Name: schemas.ActionClickAt, Args: map[string]any{"x": 1.0, "y": 2.0}},
			expected:   schemas.RiskMedium,
		},
		{
			name:       "no args is medium",
			descriptor: schemas.ActionDescriptor{Name: schemas.ActionGoBack},
			expected:   schemas.RiskMedium,
		},
		{
			name:       "keyword in typed text",
			descriptor: schemas.ActionDescriptor{Name: schemas.ActionTypeTextAt, Args: map[string]any{"text": "sudo rm -rf /"}},
			expected:   schemas.RiskHigh,
		},
		{
			name:       "keyword matching is case insensitive",
			descriptor: schemas.ActionDescriptor{Name: schemas.ActionNavigate, Args: map[string]any{"url": "https://bank.example/TRANSFER"}},
			expected:   schemas.RiskHigh,
		},
		{
			name:       "keyword inside a longer word still matches",
			descriptor: schemas.ActionDescriptor{Name: schemas.ActionTypeTextAt, Args: map[string]any{"text": "wireless headphones"}},
			expected:   schemas.RiskHigh,
		},
		{
			name:       "keyword in key combination",
			descriptor: schemas.ActionDescriptor{Name: schemas.ActionKeyCombination, Args: map[string]any{"keys": "Delete"}},
			expected:   schemas.RiskHigh,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.descriptor))
		})
	}
}

func TestClassify_NeverLow(t *testing.T) {
	t.Parallel()
	for _, name := range []schemas.ActionName{
		schemas.ActionOpenWebBrowser, schemas.ActionWait, schemas.ActionSearch, schemas.ActionScrollDocument,
	} {
		assert.NotEqual(t, schemas.RiskLow, Classify(schemas.ActionDescriptor{Name: name}))
	}
}

func TestSerializeArgs_StableOrder(t *testing.T) {
	t.Parallel()
	args := map[string]any{"y": 2.0, "x": 1.0, "text": "hi"}
	first := serializeArgs(args)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, serializeArgs(args))
	}
	assert.Equal(t, `{"text":"hi","x":1,"y":2}`, first)
}

func TestKeywords_ReturnsCopy(t *testing.T) {
	t.Parallel()
	kws := Keywords()
	kws[0] = "mutated"
	assert.Equal(t, "delete", highRiskKeywords[0])
}

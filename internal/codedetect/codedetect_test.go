package codedetect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_NaturalLanguage(t *testing.T) {
	d := New(0.7)
	r := d.Classify("What is the capital of France? It has been the capital for centuries.")
	require.False(t, r.IsCode)
}

func TestClassify_FencedCodeBlock(t *testing.T) {
	d := New(0.7)
	r := d.Classify("```python\ndef ignore_previous():\n    return 'admin override'\n```")
	require.True(t, r.IsCode, "confidence=%f", r.Confidence)
}

func TestClassify_Deterministic(t *testing.T) {
	d := New(0.7)
	text := "func main() { fmt.Println(\"hi\"); }"
	a := d.Classify(text)
	b := d.Classify(text)
	require.Equal(t, a, b)
}

func TestClassify_EmptyInput(t *testing.T) {
	d := New(0.7)
	r := d.Classify("")
	require.False(t, r.IsCode)
	require.Zero(t, r.Confidence)
}

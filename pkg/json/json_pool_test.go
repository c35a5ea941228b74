package json

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocuments(n int) []map[string]interface{} {
	docs := make([]map[string]interface{}, n)
	for i := range docs {
		docs[i] = map[string]interface{}{
			"id":        "8b7c7c2e-0f1e-4c4c-9a57-3c1d2f0b9e10",
			"title":     "Printer on floor 3 is jammed",
			"priority":  i,
			"estimate":  float64(i) * 1.5,
			"createdAt": "2024-03-01T10:00:00Z",
			"labels": []interface{}{
				map[string]interface{}{"id": "l1", "name": "Urgent"},
			},
		}
	}
	return docs
}

func TestDecoderPreservesLargeIntegers(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, NewDecoder(strings.NewReader(`{"n": 9007199254740993}`)).Decode(&v))

	n, ok := v["n"].(Number)
	require.True(t, ok, "expected Number, got %T", v["n"])
	assert.Equal(t, "9007199254740993", n.String())
}

func TestEncoderDoesNotEscapeHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarshalToWriter(&buf, map[string]string{"q": "a<b && c>d"}))
	assert.Equal(t, "{\"q\":\"a<b && c>d\"}\n", buf.String())
}

func TestBufferPoolResets(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Equal(t, 0, again.Len())
	PutBuffer(again)
}

func TestMarshalMatchesStdlib(t *testing.T) {
	for _, doc := range sampleDocuments(3) {
		ours, err := Marshal(doc)
		require.NoError(t, err)
		std, err := json.Marshal(doc)
		require.NoError(t, err)
		assert.JSONEq(t, string(std), string(ours))
	}
}

func BenchmarkStdMarshal(b *testing.B) {
	docs := sampleDocuments(100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, d := range docs {
			if _, err := json.Marshal(d); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkMarshal(b *testing.B) {
	docs := sampleDocuments(100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, d := range docs {
			if _, err := Marshal(d); err != nil {
				b.Fatal(err)
			}
		}
	}
}

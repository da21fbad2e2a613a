package fs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializers(t *testing.T) {
	env := envelope{
		ID:  "patient-42:Heart",
		Rev: "2-0123456789abcdef0123456789abcdef",
		Body: map[string]any{
			"name": "Heart",
			"tags": map[string]any{
				"important": map[string]any{"tag": "important", "color": "#fff", "notes": "n1"},
			},
			"count": 42.0,
		},
	}

	for name, s := range Serializers() {
		t.Run(name, func(t *testing.T) {
			data, err := s.Marshal(env)
			require.NoError(t, err)

			parsed, err := s.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, env, parsed)
		})
	}
}

func TestYAMLSerializer_NormalizesNumbers(t *testing.T) {
	parsed, err := YAMLSerializer{}.Unmarshal([]byte("_id: a\n_rev: 1-x\nbody:\n  count: 3\n  nested:\n    ok: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 3.0, parsed.Body["count"], "numbers decode like JSON")
	assert.Equal(t, map[string]any{"ok": true}, parsed.Body["nested"])
}

func TestSerializerFor(t *testing.T) {
	s, err := SerializerFor("")
	require.NoError(t, err)
	assert.Equal(t, ".json", s.Ext())

	s, err = SerializerFor("yaml")
	require.NoError(t, err)
	assert.Equal(t, ".yaml", s.Ext())

	_, err = SerializerFor("csv")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "csv"))
}

func TestJSONSerializer_RejectsGarbage(t *testing.T) {
	_, err := JSONSerializer{}.Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStringRoundTrip(t *testing.T) {
	tests := []Key{
		APIKey(7),
		{Source: SourceCustom, ID: -1234567},
	}

	for _, k := range tests {
		t.Run(k.String(), func(t *testing.T) {
			parsed, err := ParseKey(k.String())
			require.NoError(t, err)
			assert.Equal(t, k, parsed)
		})
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "api", "api_", "_7", "ftp_7", "api_x"} {
		_, err := ParseKey(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestLogRecordKeyDefaultsToAPI(t *testing.T) {
	rec := LogRecord{TunnelID: 3, Message: "x"}
	assert.Equal(t, APIKey(3), rec.Key())

	rec.Source = SourceCustom
	assert.Equal(t, Key{Source: SourceCustom, ID: 3}, rec.Key())
}

func TestStaticCredentials(t *testing.T) {
	tok, ok := StaticCredentials("").Token()
	assert.False(t, ok)
	assert.Empty(t, tok)

	tok, ok = StaticCredentials("abc").Token()
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
}

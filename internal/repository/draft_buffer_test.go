package repository

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDraftFields(t *testing.T) {
	fields := map[string]string{
		draftField("a", 0, "q1"): `"A"`,
		draftField("a", 0, "q2"): `"C"`,
		draftField("a", 2, "q9"): `{"lang":"go","src":"package main"}`,

		"a:0":     `"B"`,
		"a:x:q3":  `"B"`,
		"a:-1:q4": `"B"`,
		"a:1:":    `"B"`,
		"a:1:q5":  `{"unterminated"`,
		"v:0:q1":  `{"score":10,"passed":10,"total":10}`,
		"z:0:q6":  `"B"`,
	}

	payload := ParseDraftFields(fields)

	require.Len(t, payload, 2, "only sections 0 and 2 hold well-formed answers")
	assert.Equal(t, json.RawMessage(`"A"`), payload[0].Answers["q1"])
	assert.Equal(t, json.RawMessage(`"C"`), payload[0].Answers["q2"])
	assert.Len(t, payload[0].Answers, 2)
	assert.JSONEq(t, `{"lang":"go","src":"package main"}`, string(payload[2].Answers["q9"]))
	assert.False(t, payload.HasVerdicts())
}

func TestParseDraftFields_NothingUsable(t *testing.T) {
	assert.Nil(t, ParseDraftFields(nil))
	assert.Nil(t, ParseDraftFields(map[string]string{
		"v:0:q1": `{"score":1}`,
		"a:-3:q": `"A"`,
		"junk":   "",
	}))
}

func TestDraftField(t *testing.T) {
	assert.Equal(t, "a:3:5b1c", draftField("a", 3, "5b1c"))

	payload := ParseDraftFields(map[string]string{draftField("a", 3, "5b1c"): `true`})
	assert.Equal(t, json.RawMessage(`true`), payload[3].Answers["5b1c"])
}

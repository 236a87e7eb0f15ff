package llm

import (
	"testing"
)

// ============================================================================
// FuzzParseEmotion - fuzzes emotion grounding JSON parsing
// ============================================================================

func FuzzParseEmotion(f *testing.F) {
	f.Add(`{"sentiment":"positive","energy":0.9,"intensity":0.7}`)
	f.Add(``)
	f.Add(`{"sentiment": null}`)
	f.Add(`not json at all`)
	f.Add("```json\n{\"sentiment\":\"neutral\"}\n```")
	f.Add(`{"sentiment":"negative","energy":"low"}`)
	f.Add(`{"sentiment":"positive","energy":[1,2]}`)
	f.Add(`{"sentiment":"positive","energy":{"x":1}}`)
	f.Add(`{"sentiment":"positive","energy":"NaN"}`)
	f.Add(`{"sentiment":"positive","energy":1e308,"intensity":-1e308}`)
	f.Add(`{{{`)
	f.Add(`Text before {"sentiment":"neutral","energy":"medium"} text after`)

	f.Fuzz(func(t *testing.T, input string) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("ParseEmotion panicked on input %q: %v", input, r)
			}
		}()
		got, err := ParseEmotion(input)
		if err != nil {
			return
		}
		if !(got.Energy >= 0 && got.Energy <= 1) || !(got.Intensity >= 0 && got.Intensity <= 1) {
			t.Errorf("ParseEmotion(%q) produced out-of-range values: %+v", input, got)
		}
	})
}

// ============================================================================
// FuzzParseMerge - fuzzes consolidation merge JSON parsing
// ============================================================================

func FuzzParseMerge(f *testing.F) {
	f.Add(`{"memory_text":"likes tennis","is_duplicate":false,"reason":"x"}`)
	f.Add(``)
	f.Add(`{"memory_text": null}`)
	f.Add(`{"memory_text":"a","is_duplicate":"yes"}`)
	f.Add(`{"memory_text":"unterminated`)

	f.Fuzz(func(t *testing.T, input string) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("ParseMerge panicked on input %q: %v", input, r)
			}
		}()
		got, err := ParseMerge(input)
		if err == nil && got.MemoryText == "" {
			t.Errorf("ParseMerge(%q) accepted an empty memory_text", input)
		}
	})
}

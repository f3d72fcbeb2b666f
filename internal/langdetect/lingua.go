package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns the two-letter language code for the given text, or
// an empty string when the sample is too short for a reliable detection.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		// The catalog is regional; restricting the model set keeps startup
		// memory bounded while covering everything the sources emit.
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.German, lingua.English, lingua.French, lingua.Italian).
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}

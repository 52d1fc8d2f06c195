package analysis

import "strings"

// languageCodes maps language names to the MMS model's ISO 639-3 codes.
// The service accepts the three-letter codes only.
var languageCodes = map[string]string{
	"hindi":     "hin",
	"tamil":     "tam",
	"telugu":    "tel",
	"bengali":   "ben",
	"marathi":   "mar",
	"gujarati":  "guj",
	"kannada":   "kan",
	"malayalam": "mal",
	"punjabi":   "pan",
	"urdu":      "urd",
	"assamese":  "asm",
	"odia":      "ory",
	"oriya":     "ory",
	"bhojpuri":  "bho",
	"maithili":  "mai",
	"sanskrit":  "san",
	"konkani":   "kok",
	"dogri":     "doi",
	"kashmiri":  "kas",
	"sindhi":    "snd",
	"nepali":    "nep",
	"english":   "eng",

	// Three-letter codes pass through
	"hin": "hin",
	"tam": "tam",
	"tel": "tel",
	"ben": "ben",
	"mar": "mar",
	"guj": "guj",
	"kan": "kan",
	"mal": "mal",
	"pan": "pan",
	"urd": "urd",
	"asm": "asm",
	"ory": "ory",
	"eng": "eng",
}

// ResolveLanguage maps a language name or code to its MMS code, falling back
// to the given default when the input is empty, "auto", or unknown.
func ResolveLanguage(language, defaultLanguage string) string {
	fallback, ok := languageCodes[strings.ToLower(strings.TrimSpace(defaultLanguage))]
	if !ok {
		fallback = "eng"
	}

	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || lang == "auto" {
		return fallback
	}

	if code, ok := languageCodes[lang]; ok {
		return code
	}

	return fallback
}

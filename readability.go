package tutorbot

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type glossaryEntry struct {
	spanish    string
	portuguese string
}

var readabilityGlossary = []glossaryEntry{
	{"hola", "olá"},
	{"buenos días", "bom dia"},
	{"buenas tardes", "boa tarde"},
	{"buenas noches", "boa noite"},
	{"gracias", "obrigado"},
	{"por favor", "por favor"},
	{"perdón", "desculpa"},
	{"disculpe", "com licença"},
	{"adiós", "tchau"},
	{"hasta luego", "até logo"},
	{"me llamo", "meu nome é"},
	{"¿cómo estás?", "como você está?"},
	{"¿cómo te llamas?", "qual é o seu nome?"},
	{"muy bien", "muito bem"},
	{"no entiendo", "não entendo"},
	{"¿hablas español?", "você fala espanhol?"},
	{"sí", "sim"},
	{"no", "não"},
	{"agua", "água"},
	{"comida", "comida"},
	{"casa", "casa"},
	{"trabajo", "trabalho"},
	{"familia", "família"},
	{"amigo", "amigo"},
	{"tiempo", "tempo"},
	{"dinero", "dinheiro"},
}

type topicGlyph struct {
	glyph string
	words []string
}

var topicGlyphs = []topicGlyph{
	{"📊", []string{"nivel", "nível", "level"}},
	{"🗣️", []string{"pronuncia", "pronunciation"}},
	{"📚", []string{"gramática", "grammar"}},
	{"📖", []string{"vocabulário", "vocabulary"}},
	{"🔄", []string{"conjugação", "conjugation"}},
	{"💪", []string{"exercício", "exercise"}},
	{"🎯", []string{"prática", "practice"}},
	{"💡", []string{"dica", "tip", "sugestão"}},
	{"⚠️", []string{"atenção", "attention", "cuidado"}},
	{"✅", []string{"correto", "correct", "certo"}},
	{"❌", []string{"erro", "error", "incorreto"}},
	{"❓", []string{"pergunta", "question"}},
	{"💬", []string{"resposta", "answer"}},
	{"🌍", []string{"cultura", "culture"}},
	{"🏳️", []string{"país", "country"}},
}

var emphasisVocabulary = []string{
	"español", "castellano", "idioma", "lengua",
	"verbo", "sustantivo", "adjetivo", "adverbio",
	"presente", "pasado", "futuro", "subjuntivo",
	"masculino", "femenino", "singular", "plural",
}

// readabilityLeadGlyphs are accepted as an existing opening glyph.
var readabilityLeadGlyphs = []string{"🎓", "📚", "🗣", "💡"}

const defaultReadabilityGlyph = "🎓"

var (
	exampleCue     = regexp.MustCompile(`(?i)(ejemplos?|examples?|por exemplo|for example):`)
	listMarker     = regexp.MustCompile(`(\d+\.|•|-)\s`)
	extraNewlines  = regexp.MustCompile(`\n{3,}`)
	emphasisSpan   = regexp.MustCompile(`\*[^*\n]+\*`)
	glossaryRegexp = alternation(glossaryTerms())
	vocabRegexp    = alternation(emphasisVocabulary)
	topicRegexps   = compileTopics()

	glossaryLookup = func() map[string]string {
		m := make(map[string]string, len(readabilityGlossary))
		for _, e := range readabilityGlossary {
			m[e.spanish] = e.portuguese
		}
		return m
	}()
)

func glossaryTerms() []string {
	terms := make([]string, 0, len(readabilityGlossary))
	for _, e := range readabilityGlossary {
		terms = append(terms, e.spanish)
	}
	return terms
}

func compileTopics() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(topicGlyphs))
	for _, t := range topicGlyphs {
		out = append(out, alternation(t.words))
	}
	return out
}

// alternation compiles a case-insensitive regexp matching any of words. At a given position the
// longest word wins, so "no entiendo" is preferred over "no" and "error" over "erro".
func alternation(words []string) *regexp.Regexp {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, regexp.QuoteMeta(w))
	}
	re := regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
	re.Longest()
	return re
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// atWordBoundary reports whether text[start:end] is not glued to letters or digits on either side.
func atWordBoundary(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func insideSpan(spans [][]int, start, end int) bool {
	for _, s := range spans {
		if start >= s[0] && end <= s[1] {
			return true
		}
	}
	return false
}

// replaceWords rewrites whole-word matches of re that are not already inside *emphasis*.
// A limit of zero or less rewrites every match. The output is never rescanned.
func replaceWords(text string, re *regexp.Regexp, limit int, fn func(match string) string) string {
	protected := emphasisSpan.FindAllStringIndex(text, -1)

	var b strings.Builder
	last, n := 0, 0
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if !atWordBoundary(text, loc[0], loc[1]) || insideSpan(protected, loc[0], loc[1]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(fn(text[loc[0]:loc[1]]))
		last = loc[1]

		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	if last == 0 && n == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

type readabilityStep func(string) string

var readabilitySteps = []readabilityStep{
	func(s string) string { return exampleCue.ReplaceAllString(s, "\n\n📝 $1:\n") },
	func(s string) string { return listMarker.ReplaceAllString(s, "\n$1 ") },
	func(s string) string {
		return replaceWords(s, glossaryRegexp, 0, func(m string) string {
			return "*" + m + "* (" + glossaryLookup[strings.ToLower(m)] + ")"
		})
	},
	func(s string) string {
		for i, re := range topicRegexps {
			glyph := topicGlyphs[i].glyph
			s = replaceWords(s, re, 1, func(m string) string { return glyph + " " + m })
		}
		return s
	},
	func(s string) string {
		return replaceWords(s, vocabRegexp, 0, func(m string) string { return "*" + m + "*" })
	},
	func(s string) string { return strings.TrimSpace(extraNewlines.ReplaceAllString(s, "\n\n")) },
	func(s string) string {
		for _, g := range readabilityLeadGlyphs {
			if strings.HasPrefix(s, g) {
				return s
			}
		}
		return defaultReadabilityGlyph + " " + s
	},
}

// FormatForReadability lays out assistant text for a chat bubble, whatever the learner level:
// example cues and list items start new lines, glossary phrases get their translation, topic
// words get a glyph, grammar vocabulary is emphasised, and the text opens with a glyph.
// Blank input yields "".
func FormatForReadability(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for _, step := range readabilitySteps {
		text = step(text)
	}
	return text
}

package tutorbot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shaharia-lab/tutorbot/observability"
	"go.opentelemetry.io/otel/attribute"
)

const (
	annotationGlyph = "📝"
	exampleGlyph    = "💡"

	// maxAnnotations caps how many translations are appended to a beginner reply.
	maxAnnotations = 2

	// exampleThreshold is the length, in characters, below which a beginner reply gets an example.
	exampleThreshold = 100

	// maxSentences is the fragment count above which replies are cut down.
	maxSentences = 4

	// keptPlainSentences is how many plain fragments survive a cut.
	keptPlainSentences = 3
)

type phrase struct {
	term        string
	translation string
	re          *regexp.Regexp
}

// wholeWord matches term case-insensitively when it is not glued to other letters or digits.
func wholeWord(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(term) + `(?:[^\p{L}\p{N}]|$)`)
}

func newPhrases(pairs ...string) []phrase {
	out := make([]phrase, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, phrase{term: pairs[i], translation: pairs[i+1], re: wholeWord(pairs[i])})
	}
	return out
}

// beginnerDictionary is scanned in order; earlier phrases are annotated first.
var beginnerDictionary = newPhrases(
	"hola", "olá",
	"gracias", "obrigado/obrigada",
	"buenos días", "bom dia",
	"buenas tardes", "boa tarde",
	"buenas noches", "boa noite",
	"adiós", "tchau",
	"hasta luego", "até logo",
	"me llamo", "meu nome é",
	"soy", "eu sou",
	"tengo", "eu tenho",
	"quiero", "eu quero",
	"necesito", "eu preciso",
	"muy bien", "muito bem",
	"perfecto", "perfeito",
	"excelente", "excelente",
	"por favor", "por favor",
	"de nada", "de nada",
	"lo siento", "desculpe",
)

// beginnerExamples pairs a phrase with a sample sentence; the first phrase found wins.
var beginnerExamples = newPhrases(
	"buenos días", "Buenos días, ¿cómo está usted?",
	"hola", "¡Hola! ¿Qué tal?",
	"gracias", "Gracias por su ayuda",
	"me llamo", "Me llamo Ana, ¿y tú?",
	"quiero", "Quiero un café, por favor",
)

// contextCue maps substrings of the learner's own message to a phrase to teach.
type contextCue struct {
	cues []string
	term string
}

// greeting, salutation and thanks, checked in order against the learner's message.
var annotationCues = []contextCue{
	{cues: []string{"bom dia", "buenos días"}, term: "buenos días"},
	{cues: []string{"olá", "hola"}, term: "hola"},
	{cues: []string{"obrigad", "gracias"}, term: "gracias"},
}

var exampleCues = annotationCues[:2]

// leadingGlyphs are accepted as an existing opening glyph.
var leadingGlyphs = []string{"😊", "🎉", "👍", "💡", "📝", "🌟"}

// glyphRules picks the opening glyph; the first matching rule wins.
var glyphRules = []struct {
	glyph string
	match func(lower string) bool
}{
	{glyph: "😊", match: func(lower string) bool { return strings.Contains(lower, "¡") }},
	{glyph: "🎉", match: func(lower string) bool {
		return strings.Contains(lower, "muy bien") || strings.Contains(lower, "excelente")
	}},
	{glyph: "😊", match: func(string) bool { return true }},
}

var (
	sentenceSplit    = regexp.MustCompile(`[.!?]+`)
	emphasisRun      = regexp.MustCompile(`\*{2,}`)
	trailingEmphasis = regexp.MustCompile(`\*\s*$`)
)

// shapeState is the value handed from one shaping stage to the next.
type shapeState struct {
	text     string
	raw      string
	userText string
	level    Level
}

type shapeStage struct {
	name  string
	apply func(shapeState) (shapeState, error)
}

// ResponseShaper turns a raw completion into the short, level-adapted reply sent to the learner.
type ResponseShaper struct {
	stages []shapeStage
	logger observability.Logger
}

// ResponseShaperOption configures a ResponseShaper.
type ResponseShaperOption func(*ResponseShaper)

// WithShaperLogger sets the logger used for stage failures.
func WithShaperLogger(logger observability.Logger) ResponseShaperOption {
	return func(s *ResponseShaper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewResponseShaper builds the shaping pipeline:
// annotate, example, leading glyph, sentence cap, emphasis repair.
func NewResponseShaper(opts ...ResponseShaperOption) *ResponseShaper {
	s := &ResponseShaper{
		logger: observability.NewNullLogger(),
		stages: []shapeStage{
			{name: "annotate", apply: annotateStage},
			{name: "example", apply: exampleStage},
			{name: "leading_glyph", apply: leadingGlyphStage},
			{name: "sentence_cap", apply: sentenceCapStage},
			{name: "emphasis_repair", apply: emphasisRepairStage},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shape runs the pipeline over raw. Blank input yields "". If any stage fails the raw text is
// returned unchanged; Shape itself never panics.
func (s *ResponseShaper) Shape(ctx context.Context, raw, userText string, level Level) (out string) {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	ctx, span := observability.StartSpan(ctx, "ResponseShaper.Shape")
	defer span.End()
	span.SetAttributes(
		attribute.String("level", string(level)),
		attribute.Int("raw_length", len(raw)),
	)

	stage := ""
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("shaping stage %s panicked: %v", stage, r)
			span.RecordError(err)
			s.logger.WithContext(ctx).WithErr(err).Error("Response shaping failed, returning raw text")
			out = raw
		}
	}()

	state := shapeState{
		text:     strings.TrimSpace(raw),
		raw:      raw,
		userText: userText,
		level:    level,
	}
	for _, st := range s.stages {
		stage = st.name
		next, err := st.apply(state)
		if err != nil {
			span.RecordError(err)
			s.logger.WithContext(ctx).WithErr(err).WithFields(map[string]interface{}{
				"stage": st.name,
			}).Error("Response shaping failed, returning raw text")
			return raw
		}
		state = next
	}

	span.SetAttributes(attribute.Int("shaped_length", len(state.text)))
	return state.text
}

// matchPhrases returns the phrases of table found in text, in table order.
func matchPhrases(table []phrase, text string) []phrase {
	var found []phrase
	for _, p := range table {
		if p.re.MatchString(text) {
			found = append(found, p)
		}
	}
	return found
}

// cueTerm returns the first term whose cue occurs in the learner's message.
func cueTerm(cues []contextCue, userText string) (string, bool) {
	lower := strings.ToLower(userText)
	for _, c := range cues {
		for _, cue := range c.cues {
			if strings.Contains(lower, cue) {
				return c.term, true
			}
		}
	}
	return "", false
}

func lookupPhrase(table []phrase, term string) (phrase, bool) {
	for _, p := range table {
		if p.term == term {
			return p, true
		}
	}
	return phrase{}, false
}

func annotateStage(st shapeState) (shapeState, error) {
	if st.level != LevelBeginner {
		return st, nil
	}

	found := matchPhrases(beginnerDictionary, st.text)
	if len(found) == 0 {
		if term, ok := cueTerm(annotationCues, st.userText); ok {
			if p, ok := lookupPhrase(beginnerDictionary, term); ok {
				found = append(found, p)
			}
		}
	}
	if len(found) == 0 {
		return st, nil
	}
	if len(found) > maxAnnotations {
		found = found[:maxAnnotations]
	}

	notes := make([]string, 0, len(found))
	for _, p := range found {
		notes = append(notes, fmt.Sprintf("*%s* = %s", p.term, p.translation))
	}
	st.text = fmt.Sprintf("%s %s (%s)", st.text, annotationGlyph, strings.Join(notes, ", "))
	return st, nil
}

func exampleStage(st shapeState) (shapeState, error) {
	if st.level != LevelBeginner || utf8.RuneCountInString(st.text) >= exampleThreshold {
		return st, nil
	}

	var example phrase
	if found := matchPhrases(beginnerExamples, st.raw); len(found) > 0 {
		example = found[0]
	} else if term, ok := cueTerm(exampleCues, st.userText); ok {
		example, _ = lookupPhrase(beginnerExamples, term)
	}
	if example.term == "" {
		return st, nil
	}

	st.text = fmt.Sprintf("%s %s Exemplo: *%s*", st.text, exampleGlyph, example.translation)
	return st, nil
}

func leadingGlyphStage(st shapeState) (shapeState, error) {
	for _, g := range leadingGlyphs {
		if strings.HasPrefix(st.text, g) {
			return st, nil
		}
	}

	lower := strings.ToLower(st.text)
	for _, rule := range glyphRules {
		if rule.match(lower) {
			st.text = rule.glyph + " " + st.text
			break
		}
	}
	return st, nil
}

func sentenceCapStage(st shapeState) (shapeState, error) {
	var fragments []string
	for _, f := range sentenceSplit.Split(st.text, -1) {
		if f = strings.TrimSpace(f); f != "" {
			fragments = append(fragments, f)
		}
	}
	if len(fragments) <= maxSentences {
		return st, nil
	}

	var plain, didactic []string
	for _, f := range fragments {
		if strings.Contains(f, annotationGlyph) || strings.Contains(f, exampleGlyph) {
			didactic = append(didactic, f)
		} else {
			plain = append(plain, f)
		}
	}
	if len(plain) > keptPlainSentences {
		plain = plain[:keptPlainSentences]
	}

	joined := strings.Join(append(plain, didactic...), ". ")
	st.text = strings.ReplaceAll(joined, ". .", ".") + "."
	return st, nil
}

// emphasisRepairStage leaves the text with balanced '*' markers.
func emphasisRepairStage(st shapeState) (shapeState, error) {
	text := emphasisRun.ReplaceAllString(st.text, "*")

	if strings.Count(text, "*")%2 == 1 {
		if trailingEmphasis.MatchString(text) {
			text = trailingEmphasis.ReplaceAllString(text, "")
		} else {
			text += "*"
		}
	}

	st.text = strings.TrimSpace(text)
	return st, nil
}

package tutorbot

import "strings"

// Level is the coarse proficiency tier that drives how verbose a shaped reply is.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelBasic        Level = "basic"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// DefaultLevel is recorded for exchanges appended without a level.
const DefaultLevel = LevelIntermediate

// Valid reports whether l is one of the four known tiers.
func (l Level) Valid() bool {
	switch l {
	case LevelBeginner, LevelBasic, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// legacyLevels maps tier names written by the Portuguese deployment to Level.
var legacyLevels = map[string]Level{
	"iniciante":     LevelBeginner,
	"básico":        LevelBasic,
	"intermediário": LevelIntermediate,
	"avançado":      LevelAdvanced,
}

// ParseLevel normalises a stored level name. Unknown names map to DefaultLevel.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if l := Level(s); l.Valid() {
		return l
	}
	if l, ok := legacyLevels[s]; ok {
		return l
	}
	return DefaultLevel
}

// levelKeywords is evaluated top to bottom; the first tier with any keyword present wins.
var levelKeywords = []struct {
	level    Level
	keywords []string
}{
	{
		level: LevelAdvanced,
		keywords: []string{
			"no obstante", "por consiguiente", "en cuanto a", "respecto a",
			"pluscuamperfecto", "gerundio", "participio",
		},
	},
	{
		level: LevelIntermediate,
		keywords: []string{
			"aunque", "sin embargo", "por lo tanto", "además", "mientras",
			"subjuntivo", "condicional", "pretérito", "imperfecto",
		},
	},
	{
		level: LevelBasic,
		keywords: []string{
			"hola", "gracias", "por favor", "buenos días", "buenas tardes",
			"me llamo", "soy", "tengo", "quiero", "necesito", "donde está",
			"cuánto cuesta", "habla español", "no entiendo",
		},
	},
}

// DetectLevel classifies text by case-insensitive keyword presence. Text with no Spanish
// keyword is assumed to be written in the learner's native language and is LevelBeginner.
func DetectLevel(text string) Level {
	lower := strings.ToLower(text)
	for _, tier := range levelKeywords {
		for _, kw := range tier.keywords {
			if strings.Contains(lower, kw) {
				return tier.level
			}
		}
	}
	return LevelBeginner
}

package nlp

import "strings"

// emotionLexicon maps trigger words to emotion labels. Deliberately small:
// the classifier only needs to be right often enough to make the daily mood
// checkpoint meaningful, and it must run locally for every message.
var emotionLexicon = map[string]string{
	// joy
	"happy": "joy", "glad": "joy", "great": "joy", "wonderful": "joy",
	"awesome": "joy", "love": "joy", "loved": "joy", "fun": "joy",
	"excited": "joy", "amazing": "joy", "delighted": "joy", "proud": "joy",

	// sadness
	"sad": "sadness", "miss": "sadness", "missed": "sadness", "lonely": "sadness",
	"cried": "sadness", "crying": "sadness", "down": "sadness",
	"depressed": "sadness", "heartbroken": "sadness", "grief": "sadness",

	// anger
	"angry": "anger", "furious": "anger", "annoyed": "anger", "annoying": "anger",
	"hate": "anger", "hated": "anger", "mad": "anger", "frustrated": "anger",
	"frustrating": "anger", "unfair": "anger",

	// fear / anxiety
	"worried": "anxiety", "worry": "anxiety", "anxious": "anxiety",
	"nervous": "anxiety", "scared": "anxiety", "afraid": "anxiety",
	"stressed": "anxiety", "stress": "anxiety", "overwhelmed": "anxiety",
	"dread": "anxiety", "panic": "anxiety",

	// fatigue
	"tired": "fatigue", "exhausted": "fatigue", "drained": "fatigue",
	"burnout": "fatigue", "sleepy": "fatigue", "weary": "fatigue",

	// gratitude
	"grateful": "gratitude", "thankful": "gratitude", "blessed": "gratitude",
	"appreciate": "gratitude", "appreciated": "gratitude",
}

// EmotionNeutral is returned when no lexicon word dominates.
const EmotionNeutral = "neutral"

// ClassifyEmotion assigns an emotion label to a message by counting lexicon
// hits. Returns [EmotionNeutral] when no trigger word appears; ties resolve
// to the label of the earliest hit.
func ClassifyEmotion(text string) string {
	counts := make(map[string]int)
	best := EmotionNeutral
	bestCount := 0

	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	}) {
		label, ok := emotionLexicon[tok]
		if !ok {
			continue
		}
		counts[label]++
		if counts[label] > bestCount {
			bestCount = counts[label]
			best = label
		}
	}
	return best
}

package packet

// IntentField is the payload key compared by SemanticDistance.
const IntentField = "intent"

// SemanticDistance is the character-set Jaccard distance between the
// intent text of two packets, in [0,1]. Missing or empty intent text
// yields 1.
func SemanticDistance(a, b Packet) float64 {
	ia, _ := a.Payload.StringField(IntentField)
	ib, _ := b.Payload.StringField(IntentField)
	if ia == "" || ib == "" {
		return 1.0
	}
	setA := runeSet(ia)
	setB := runeSet(ib)

	inter := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1.0
	}
	return 1.0 - float64(inter)/float64(union)
}

func runeSet(s string) map[rune]struct{} {
	out := make(map[rune]struct{}, len(s))
	for _, r := range s {
		out[r] = struct{}{}
	}
	return out
}

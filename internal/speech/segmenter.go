package speech

import "strings"

// SegmentFunc receives sentence units as they are detected.
type SegmentFunc func(SentenceUnit)

const defaultMinSentenceChars = 10

// Known abbreviations that end with a period mid-sentence. Titles are only
// honored when capitalized so that e.g. a sentence ending in "no." still
// closes; single capital letters (initials) are handled separately.
var (
	titleAbbreviations = map[string]struct{}{
		"dr": {}, "mr": {}, "mrs": {}, "ms": {}, "prof": {}, "st": {},
		"mt": {}, "jr": {}, "sr": {}, "no": {}, "gen": {}, "col": {},
		"sgt": {}, "lt": {}, "capt": {}, "rev": {}, "hon": {}, "fig": {},
	}
	latinAbbreviations = map[string]struct{}{
		"vs": {}, "etc": {}, "eg": {}, "ie": {}, "approx": {}, "dept": {},
	}
)

// SentenceSegmenter converts an open stream of text fragments into discrete
// sentence units. It is purely synchronous and never blocks; emitted text
// slices concatenate back to the exact streamed input.
type SentenceSegmenter struct {
	messageID string
	emit      SegmentFunc
	minChars  int

	buf       string
	nextIndex int
}

// NewSentenceSegmenter returns a segmenter for one message. minChars is the
// floor below which a sentence candidate keeps buffering instead of being
// emitted as a spuriously short unit; 0 uses the default.
func NewSentenceSegmenter(messageID string, minChars int, emit SegmentFunc) *SentenceSegmenter {
	if minChars <= 0 {
		minChars = defaultMinSentenceChars
	}
	return &SentenceSegmenter{
		messageID: messageID,
		emit:      emit,
		minChars:  minChars,
	}
}

// ProcessFragment appends one streamed fragment and emits any complete
// sentence units it unlocks. Fragments carry no boundary guarantees: a
// sentence may span many fragments or several sentences may share one.
func (s *SentenceSegmenter) ProcessFragment(text string) {
	if text == "" {
		return
	}
	s.buf += text
	s.scan()
}

// Finalize flushes trailing partial text as one last unit, bypassing the
// minimum-length floor, and returns it. It returns false when nothing
// remained buffered.
func (s *SentenceSegmenter) Finalize() (SentenceUnit, bool) {
	if strings.TrimSpace(s.buf) == "" {
		s.buf = ""
		return SentenceUnit{}, false
	}
	unit := s.makeUnit(s.buf)
	s.buf = ""
	s.emit(unit)
	return unit, true
}

// Reset clears the buffer and resequences from zero.
func (s *SentenceSegmenter) Reset() {
	s.buf = ""
	s.nextIndex = 0
}

// EmittedCount reports how many units have been emitted so far.
func (s *SentenceSegmenter) EmittedCount() int {
	return s.nextIndex
}

func (s *SentenceSegmenter) scan() {
	from := 0
	for {
		i := strings.IndexAny(s.buf[from:], ".!?")
		if i < 0 {
			return
		}
		i += from

		// Extend over repeated terminals such as "?!" or "...".
		end := i + 1
		for end < len(s.buf) && isTerminalByte(s.buf[end]) {
			end++
		}

		if end-i == 1 && s.buf[i] == '.' {
			// A digit-period at the very end of the buffer may be the middle
			// of a decimal split across fragments; hold until more arrives.
			if end == len(s.buf) && i > 0 && isDigitByte(s.buf[i-1]) {
				return
			}
			if s.isDecimalPoint(i, end) || s.isAbbreviationPeriod(i) {
				from = end
				continue
			}
		}

		candidate := s.buf[:end]
		if len(strings.TrimSpace(candidate)) < s.minChars {
			// Too short to speak on its own; keep it buffered so it merges
			// with whatever follows.
			from = end
			continue
		}

		unit := s.makeUnit(candidate)
		s.buf = s.buf[end:]
		from = 0
		s.emit(unit)
	}
}

func (s *SentenceSegmenter) makeUnit(text string) SentenceUnit {
	unit := SentenceUnit{
		Text:          text,
		MessageID:     s.messageID,
		SequenceIndex: s.nextIndex,
		IsFirst:       s.nextIndex == 0,
	}
	s.nextIndex++
	return unit
}

func (s *SentenceSegmenter) isDecimalPoint(i, end int) bool {
	return i > 0 && isDigitByte(s.buf[i-1]) && end < len(s.buf) && isDigitByte(s.buf[end])
}

func (s *SentenceSegmenter) isAbbreviationPeriod(i int) bool {
	j := i
	for j > 0 && isLetterByte(s.buf[j-1]) {
		j--
	}
	token := s.buf[j:i]
	if token == "" {
		return false
	}
	// Token must start a word, not be the tail of one.
	if j > 0 && !isWordBoundaryByte(s.buf[j-1]) {
		return false
	}
	if len(token) == 1 && token[0] >= 'A' && token[0] <= 'Z' {
		return true
	}
	lower := strings.ToLower(token)
	if token[0] >= 'A' && token[0] <= 'Z' {
		if _, ok := titleAbbreviations[lower]; ok {
			return true
		}
	}
	_, ok := latinAbbreviations[lower]
	return ok
}

func isTerminalByte(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isDigitByte(b byte) bool {
	return b >= '0' && b <= '9'
}

func isLetterByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isWordBoundaryByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '(', '"', '\'', ',', ';', ':':
		return true
	default:
		return false
	}
}

package usecase

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

const (
	asciiSegmentBudget   = 155
	unicodeSegmentBudget = 65
	segmentSlack         = 5
)

// Segment is one transport-sized piece of a reply.
type Segment struct {
	Index int // 1-based
	Total int
	Body  string
}

// Text renders the segment for sending. Multi-part replies carry an "i/N: "
// marker; the marker is added after splitting and is not part of the budget.
func (s Segment) Text() string {
	if s.Total <= 1 {
		return s.Body
	}
	return fmt.Sprintf("%d/%d: %s", s.Index, s.Total, s.Body)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// segmentBudget is measured in characters. Non-ASCII text is sent as UCS-2,
// which halves what fits in one message.
func segmentBudget(s string) int {
	if isASCII(s) {
		return asciiSegmentBudget
	}
	return unicodeSegmentBudget
}

// splitReply cuts reply into contiguous segments of at most budget characters
// each. Cuts fall on character boundaries and the original bytes are kept, so
// joining the bodies in order yields reply exactly.
func splitReply(reply string) []Segment {
	budget := segmentBudget(reply)
	count := utf8.RuneCountInString(reply)
	if count <= budget+segmentSlack {
		return []Segment{{Index: 1, Total: 1, Body: reply}}
	}

	total := (count + budget - 1) / budget
	segments := make([]Segment, 0, total)
	start, runes := 0, 0
	for i := range reply {
		if runes == budget {
			segments = append(segments, Segment{Index: len(segments) + 1, Total: total, Body: reply[start:i]})
			start, runes = i, 0
		}
		runes++
	}
	segments = append(segments, Segment{Index: len(segments) + 1, Total: total, Body: reply[start:]})
	return segments
}

package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedChapter is one chapter produced by segmentation, with rune
// positions into the normalized text.
type ParsedChapter struct {
	Idx      int
	Title    string
	Text     string
	StartPos int
	EndPos   int
}

// ParseChapters splits text on chapterRegex matches. Text before the
// first match becomes a "序章" (preface) chapter. With no regex, or no
// matches, it falls back to fixed-size windowing.
func ParseChapters(text, chapterRegex string, fallbackChapterChars int) []ParsedChapter {
	if text == "" {
		return nil
	}
	if chapterRegex == "" {
		return fallbackSplit(text, fallbackChapterChars)
	}

	re, err := regexp.Compile("(?m)" + chapterRegex)
	if err != nil {
		return fallbackSplit(text, fallbackChapterChars)
	}
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return fallbackSplit(text, fallbackChapterChars)
	}

	runes := []rune(text)
	byteToRune := makeByteToRuneIndex(text)

	var chapters []ParsedChapter
	idx := 1

	if locs[0][0] > 0 {
		preface := strings.TrimSpace(string(runes[0:byteToRune[locs[0][0]]]))
		if preface != "" {
			chapters = append(chapters, ParsedChapter{
				Idx: idx, Title: "序章", Text: preface, StartPos: 0, EndPos: byteToRune[locs[0][0]],
			})
			idx++
		}
	}

	for i, loc := range locs {
		start := loc[0]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		block := strings.TrimSpace(text[start:end])
		title := strings.TrimSpace(text[loc[0]:loc[1]])

		content := block
		lines := strings.Split(block, "\n")
		if len(lines) > 0 && strings.TrimSpace(lines[0]) == title {
			content = strings.TrimSpace(strings.Join(lines[1:], "\n"))
		}
		if content == "" {
			content = block
		}

		chapters = append(chapters, ParsedChapter{
			Idx: idx, Title: title, Text: content,
			StartPos: byteToRune[start], EndPos: byteToRune[end],
		})
		idx++
	}

	return chapters
}

func fallbackSplit(text string, maxChars int) []ParsedChapter {
	runes := []rune(text)
	length := len(runes)
	if length == 0 {
		return nil
	}
	var chapters []ParsedChapter
	idx := 1
	for start := 0; start < length; start += maxChars {
		end := start + maxChars
		if end > length {
			end = length
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		chapters = append(chapters, ParsedChapter{
			Idx: idx, Title: chapterTitleFor(idx), Text: chunk, StartPos: start, EndPos: end,
		})
		idx++
	}
	return chapters
}

func chapterTitleFor(idx int) string {
	return "第" + strconv.Itoa(idx) + "章"
}

// makeByteToRuneIndex maps every byte offset that begins a rune to its
// rune index, so positions recorded in ParsedChapter are rune offsets
// rather than byte offsets.
func makeByteToRuneIndex(s string) map[int]int {
	idx := make(map[int]int, len(s))
	runeIdx := 0
	for byteIdx := range s {
		idx[byteIdx] = runeIdx
		runeIdx++
	}
	idx[len(s)] = runeIdx
	return idx
}

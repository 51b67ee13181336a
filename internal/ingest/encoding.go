// Package ingest implements book ingestion: encoding autodetection,
// normalization, chapter segmentation and sliding-window chunking.
package ingest

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	xunicode "golang.org/x/text/encoding/unicode"
)

// LoadResult reports what LoadTextAuto decoded and how confident the
// autodetection was.
type LoadResult struct {
	Text                string
	Encoding            string
	Autodetected        bool
	Confidence          float64
	UsedReplaceFallback bool
}

type candidateCodec struct {
	name  string
	codec encoding.Encoding
}

// autoCandidates is the fixed, ordered list of encodings tried when
// Encoding == "auto". Only the highest-scoring decode wins, so order
// doesn't affect correctness, only which candidate is attempted
// first.
func autoCandidates() []candidateCodec {
	return []candidateCodec{
		{"utf-8-sig", xunicode.UTF8BOM},
		{"utf-8", encoding.Nop},
		{"gb18030", simplifiedchinese.GB18030},
		{"big5", traditionalchinese.Big5},
		{"utf-16", xunicode.UTF16(xunicode.BigEndian, xunicode.UseBOM)},
		{"utf-16-le", xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)},
		{"utf-16-be", xunicode.UTF16(xunicode.BigEndian, xunicode.IgnoreBOM)},
	}
}

// LoadTextAuto reads path and, when encoding == "auto", scores a fixed
// ordered list of candidate decodings and picks the best one. When
// encoding names a concrete codec it is used directly with best-effort
// replacement of invalid sequences.
func LoadTextAuto(path, enc, chapterRegex string) (LoadResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(enc))
	if normalized == "" {
		normalized = "auto"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, err
	}

	if normalized != "auto" {
		text, usedReplace := decodeNamed(raw, normalized)
		return LoadResult{
			Text:                text,
			Encoding:            enc,
			Autodetected:        false,
			Confidence:          1.0,
			UsedReplaceFallback: usedReplace,
		}, nil
	}

	type scored struct {
		score float64
		name  string
		text  string
	}
	var candidates []scored
	for _, c := range autoCandidates() {
		text, ok := strictDecode(raw, c.codec)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{score: scoreDecodedText(text, chapterRegex), name: c.name, text: text})
	}

	if len(candidates) == 0 {
		text, _ := decodeNamed(raw, "utf-8")
		return LoadResult{Text: text, Encoding: "utf-8", Autodetected: true, Confidence: 0, UsedReplaceFallback: true}, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	best := candidates[0]
	second := best.score
	if len(candidates) > 1 {
		second = candidates[1].score
	}
	confidence := 1.0
	if len(candidates) > 1 {
		confidence = clamp((best.score-second)/30.0, 0, 1)
	}
	return LoadResult{Text: best.text, Encoding: best.name, Autodetected: true, Confidence: confidence}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// strictDecode decodes raw with codec, failing (ok=false) on any invalid
// byte sequence.
func strictDecode(raw []byte, codec encoding.Encoding) (string, bool) {
	if codec == encoding.Nop {
		if !utf8.Valid(raw) {
			return "", false
		}
		return string(raw), true
	}
	decoded, err := codec.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// decodeNamed decodes raw using a concrete named codec with lossy
// replacement of invalid sequences (errors="replace" semantics), and
// reports whether any replacement occurred.
func decodeNamed(raw []byte, name string) (string, bool) {
	var codec encoding.Encoding
	switch name {
	case "utf-8-sig":
		codec = xunicode.UTF8BOM
	case "utf-8":
		s := string(raw)
		return s, strings.ContainsRune(s, unicode.ReplacementChar)
	case "gb18030":
		codec = simplifiedchinese.GB18030
	case "big5":
		codec = traditionalchinese.Big5
	case "utf-16":
		codec = xunicode.UTF16(xunicode.BigEndian, xunicode.UseBOM)
	case "utf-16-le":
		codec = xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)
	case "utf-16-be":
		codec = xunicode.UTF16(xunicode.BigEndian, xunicode.IgnoreBOM)
	default:
		s := string(raw)
		return s, strings.ContainsRune(s, unicode.ReplacementChar)
	}
	decoded, _ := codec.NewDecoder().Bytes(raw)
	s := string(decoded)
	return s, strings.ContainsRune(s, unicode.ReplacementChar)
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0xF900 && r <= 0xFAFF:
		return true
	case r >= 0x20000 && r <= 0x2A6DF:
		return true
	case r >= 0x2A700 && r <= 0x2B73F:
		return true
	case r >= 0x2B740 && r <= 0x2B81F:
		return true
	case r >= 0x2B820 && r <= 0x2CEAF:
		return true
	}
	return false
}

func isCJKPunctuation(r rune) bool {
	return (r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}

func isExpectedTextChar(r rune) bool {
	if r == '\n' || r == '\r' || r == '\t' {
		return true
	}
	if r < 128 && unicode.IsPrint(r) {
		return true
	}
	return isCJK(r) || isCJKPunctuation(r)
}

var defaultChapterRegex = regexp.MustCompile(`(?m)^第[0-9一二三四五六七八九十百千]+章.*$`)

// scoreDecodedText scores one candidate decoding by a weighted sum of
// expected-character ratio, CJK ratio, chapter-title-regex hits and a
// control-character penalty.
func scoreDecodedText(text, chapterRegex string) float64 {
	if text == "" {
		return -1e9
	}
	runes := []rune(text)
	if len(runes) > 120000 {
		runes = runes[:120000]
	}
	total := float64(len(runes))
	var expected, cjkCount, control float64
	for _, r := range runes {
		if isExpectedTextChar(r) {
			expected++
			if isCJK(r) {
				cjkCount++
			}
			continue
		}
		if !unicode.IsPrint(r) {
			control++
		}
	}
	expectedRatio := expected / total
	cjkRatio := cjkCount / total
	controlRatio := control / total

	re := defaultChapterRegex
	if chapterRegex != "" {
		if compiled, err := regexp.Compile("(?m)" + chapterRegex); err == nil {
			re = compiled
		}
	}
	hits := len(re.FindAllStringIndex(string(runes), -1))
	if hits > 300 {
		hits = 300
	}

	return expectedRatio*100 + cjkRatio*20 + float64(hits)*0.5 - controlRatio*200
}

package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// TestEncodingDetectGB18030 autodetects a GB18030-encoded source file.
func TestEncodingDetectGB18030(t *testing.T) {
	text := "序章\n第一章山边小村\n韩立出门。"
	encoded, err := simplifiedchinese.GB18030.NewEncoder().String(text)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "book.txt")
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0o644))

	result, err := LoadTextAuto(path, "auto", `^第[0-9一二三四五六七八九十百千]+章.*$`)
	require.NoError(t, err)

	require.Equal(t, "gb18030", result.Encoding)
	require.Contains(t, result.Text, "韩立")
	require.True(t, result.Autodetected)
	require.False(t, result.UsedReplaceFallback)
}

// TestSplitTextScenario merges a too-short trailing segment into the
// previous chunk.
func TestSplitTextScenario(t *testing.T) {
	chunks := SplitText("abcdefghi", 4, 1, 4)
	require.Len(t, chunks, 2)
	require.Equal(t, "abcd", chunks[0].Text)
	require.Equal(t, "defgghi", chunks[1].Text)
	require.Equal(t, 3, chunks[1].StartPos)
}

func TestParseChaptersWithPreface(t *testing.T) {
	text := "some preface text\n第一章 山边小村\ncontent one\n第二章 风起\ncontent two"
	chapters := ParseChapters(text, `^第[一二三四五六七八九十百千0-9]+章.*$`, 20000)
	require.Len(t, chapters, 3)
	require.Equal(t, "序章", chapters[0].Title)
	require.Equal(t, "第一章 山边小村", chapters[1].Title)
	require.Equal(t, "content one", chapters[1].Text)
	require.Equal(t, "content two", chapters[2].Text)
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("line one\r\n\r\nline two\r\n", CleanupOptions{StripBlankLines: true})
	require.Equal(t, "line one\nline two", got)
}

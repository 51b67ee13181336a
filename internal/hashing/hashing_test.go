package hashing

import "testing"

func TestSHA256Text(t *testing.T) {
	got := SHA256Text("")
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" [:64]
	if got != want {
		t.Fatalf("empty string hash = %s, want %s", got, want)
	}
}

func TestChapterHashDependsOnAllParts(t *testing.T) {
	a := ChapterHash("book1", "Chapter 1", "text")
	b := ChapterHash("book1", "Chapter 1", "other text")
	if a == b {
		t.Fatal("chapter hash did not change when text changed")
	}
	c := ChapterHash("book2", "Chapter 1", "text")
	if a == c {
		t.Fatal("chapter hash did not change when book hash changed")
	}
}

func TestChunkHashOrdering(t *testing.T) {
	// chunk_hash(chapter_hash, text, split_params) interpolates as
	// chapter_hash::split_params::text -- not positional order.
	h1 := ChunkHash("ch", "text", "params")
	h2 := Composite("ch", "params", "text")
	if h1 != h2 {
		t.Fatalf("ChunkHash interpolation order mismatch: %s != %s", h1, h2)
	}
}

func TestShort(t *testing.T) {
	h := SHA256Text("韩立")
	if got := ShortDefault(h); len(got) != 12 {
		t.Fatalf("ShortDefault length = %d, want 12", len(got))
	}
	if got := Short(h, 0); got != h {
		t.Fatalf("Short(h, 0) = %s, want full hash", got)
	}
}

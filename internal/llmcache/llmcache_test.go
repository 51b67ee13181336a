package llmcache

import "testing"

func TestKeyDeterministic(t *testing.T) {
	a := Key("storyteller_narration", "chapter123", "inputhashABC")
	b := Key("storyteller_narration", "chapter123", "inputhashABC")
	if a != b {
		t.Fatal("cache key is not deterministic for identical parts")
	}
	c := Key("storyteller_narration", "chapter123", "inputhashXYZ")
	if a == c {
		t.Fatal("cache key did not change when a part changed")
	}
}

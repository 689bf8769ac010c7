package checksum

import "testing"

func TestBlock_TagChangesDigest(t *testing.T) {
	payload := []byte("block payload")
	if Block(payload, 0) == Block(payload, 1) {
		t.Error("compression tag not covered by digest")
	}
	if Block(payload, 2) != Block(payload, 2) {
		t.Error("digest is not deterministic")
	}
	if Hash64(payload) == 0 {
		t.Error("Hash64 returned zero")
	}
}

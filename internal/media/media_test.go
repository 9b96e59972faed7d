package media

import "testing"

func TestCount(t *testing.T) {
	inv := Count([]Device{
		{ID: "m1", Kind: KindAudio},
		{ID: "m2", Kind: KindAudio},
		{ID: "c1", Kind: KindVideo},
		{ID: "x", Kind: "other"},
	})
	if inv.Audio != 2 || inv.Video != 1 {
		t.Errorf("Unexpected inventory %+v", inv)
	}
}

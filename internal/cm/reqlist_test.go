package cm

import (
	"errors"
	"testing"
)

func TestID_Fields(t *testing.T) {
	tests := []struct {
		name   string
		prefix Prefix
		vdev   VdevID
		seq    uint16
		kind   Kind
		str    string
	}{
		{"connect", PrefixConnect, 0, 1, KindConnect, "CM-0C-0-1"},
		{"disconnect", PrefixDisconnect, 3, 512, KindDisconnect, "CM-0D-3-512"},
		{"roam", PrefixRoam, 255, 65535, KindRoam, "CM-0F-255-65535"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := makeID(tt.prefix, tt.vdev, tt.seq)
			if id.Prefix() != tt.prefix {
				t.Errorf("Prefix() = %#x, want %#x", id.Prefix(), tt.prefix)
			}
			if id.Vdev() != tt.vdev {
				t.Errorf("Vdev() = %d, want %d", id.Vdev(), tt.vdev)
			}
			if id.Seq() != tt.seq {
				t.Errorf("Seq() = %d, want %d", id.Seq(), tt.seq)
			}
			if id.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", id.Kind(), tt.kind)
			}
			if id.String() != tt.str {
				t.Errorf("String() = %q, want %q", id.String(), tt.str)
			}
			if !id.Valid() {
				t.Error("Valid() = false")
			}
		})
	}
	if InvalidID.Valid() {
		t.Error("InvalidID.Valid() = true")
	}
	if InvalidID.Kind() != KindNone {
		t.Errorf("InvalidID.Kind() = %v, want none", InvalidID.Kind())
	}
}

func TestReqList_AddIsNewestFirst(t *testing.T) {
	l := newReqList(2, 5)
	a, _ := l.add(&request{kind: KindConnect})
	b, _ := l.add(&request{kind: KindDisconnect})
	c, _ := l.add(&request{kind: KindRoam})

	if got := l.ids(); len(got) != 3 || got[0] != c || got[1] != b || got[2] != a {
		t.Fatalf("ids() = %v, want [%v %v %v]", got, c, b, a)
	}
	if !l.isHead(c) || l.isHead(a) {
		t.Error("isHead() does not follow insertion order")
	}
	if a.Vdev() != 2 || a.Kind() != KindConnect || b.Kind() != KindDisconnect || c.Kind() != KindRoam {
		t.Errorf("ids carry wrong vdev or prefix: %v %v %v", a, b, c)
	}
	if l.oldest(KindConnect).id != a || l.newest(KindRoam).id != c {
		t.Error("oldest()/newest() returned the wrong request")
	}
}

func TestReqList_Full(t *testing.T) {
	l := newReqList(0, 2)
	for range 2 {
		if _, err := l.add(&request{kind: KindConnect}); err != nil {
			t.Fatalf("add() error = %v", err)
		}
	}
	if l.room(1) {
		t.Error("room(1) = true on a full list")
	}
	id, err := l.add(&request{kind: KindConnect})
	if !errors.Is(err, ErrListFull) {
		t.Fatalf("add() error = %v, want ErrListFull", err)
	}
	if id != InvalidID {
		t.Errorf("add() id = %v, want invalid", id)
	}
}

func TestReqList_SequenceSkipsOutstanding(t *testing.T) {
	l := newReqList(0, 5)
	l.seq = 0xFFFE
	first, _ := l.add(&request{kind: KindConnect})
	if first.Seq() != 0xFFFF {
		t.Fatalf("first seq = %d, want 65535", first.Seq())
	}
	l.seq = 0xFFFE
	second, _ := l.add(&request{kind: KindConnect})
	if second == first {
		t.Fatalf("second id %v reuses an outstanding id", second)
	}
	if second.Seq() != 0 {
		t.Errorf("second seq = %d, want wrap to 0", second.Seq())
	}
}

func TestReqList_Take(t *testing.T) {
	l := newReqList(0, 5)
	c1, _ := l.add(&request{kind: KindConnect})
	d1, _ := l.add(&request{kind: KindDisconnect})
	c2, _ := l.add(&request{kind: KindConnect, failed: true})
	c3, _ := l.add(&request{kind: KindConnect})

	got := l.take(KindConnect, true, InvalidID)
	if len(got) != 1 || got[0].id != c2 {
		t.Fatalf("take(failed) = %v, want [%v]", got, c2)
	}

	got = l.take(KindConnect, false, c3)
	if len(got) != 1 || got[0].id != c1 {
		t.Fatalf("take(skip c3) = %d requests, want [%v]", len(got), c1)
	}

	if ids := l.ids(); len(ids) != 2 || ids[0] != c3 || ids[1] != d1 {
		t.Errorf("remaining ids = %v, want [%v %v]", ids, c3, d1)
	}

	got = l.take(KindNone, false, InvalidID)
	if len(got) != 2 || got[0].id != d1 || got[1].id != c3 {
		t.Errorf("take(all) must return oldest first, got %d requests", len(got))
	}
	if l.size() != 0 {
		t.Errorf("size() = %d after taking all", l.size())
	}
}

func TestReqList_Evictable(t *testing.T) {
	l := newReqList(0, 5)
	d, _ := l.add(&request{kind: KindDisconnect})
	c1, _ := l.add(&request{kind: KindConnect})
	r1, _ := l.add(&request{kind: KindRoam})

	if r := l.evictable(InvalidID); r == nil || r.id != c1 {
		t.Fatalf("evictable() = %v, want %v; disconnects are never evicted", r, c1)
	}
	if r := l.evictable(c1); r == nil || r.id != r1 {
		t.Errorf("evictable(skip %v) = %v, want %v", c1, r, r1)
	}
	l.remove(c1)
	l.remove(r1)
	if r := l.evictable(InvalidID); r != nil {
		t.Errorf("evictable() = %v with only %v left", r.id, d)
	}
}

func TestReqList_Remove(t *testing.T) {
	l := newReqList(0, 5)
	a, _ := l.add(&request{kind: KindConnect})
	if r := l.remove(a); r == nil || r.id != a {
		t.Fatalf("remove(%v) = %v", a, r)
	}
	if r := l.remove(a); r != nil {
		t.Error("second remove() returned a request")
	}
	if l.head() != nil {
		t.Error("head() on empty list is not nil")
	}
}

func TestFailReason_Text(t *testing.T) {
	for r := range failReasonNames {
		b, err := r.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) error = %v", r, err)
		}
		var back FailReason
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", b, err)
		}
		if back != r {
			t.Errorf("round trip of %v gave %v", r, back)
		}
	}
	var r FailReason
	if err := r.UnmarshalText([]byte("nope")); err == nil {
		t.Error("UnmarshalText accepted an unknown reason")
	}
	if !errors.Is(JoinTimeout, JoinTimeout) || JoinTimeout.Error() != "join_timeout" {
		t.Error("FailReason does not behave as an error")
	}
}

func TestFailReason_Retryable(t *testing.T) {
	retry := map[FailReason]bool{
		PeerCreateFailed:     true,
		BssSelectIndFailed:   true,
		JoinFailed:           true,
		JoinTimeout:          true,
		NoCandidateFound:     false,
		SerializationTimeout: false,
		HwModeFailure:        false,
		GenericFailure:       false,
	}
	for r, want := range retry {
		if got := r.retryable(); got != want {
			t.Errorf("%v.retryable() = %v, want %v", r, got, want)
		}
	}
}

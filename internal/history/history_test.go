package history

import (
	"fmt"
	"testing"
)

func TestRing_NoWrap(t *testing.T) {
	r := NewRing(10)

	for i := 0; i < 5; i++ {
		r.Append(Record{SenderID: "u1", Content: fmt.Sprintf("msg %d", i)})
	}

	recs := r.Last(2)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].Content != "msg 4" {
		t.Errorf("expected last msg 'msg 4', got '%s'", recs[1].Content)
	}
	if recs[1].Seq != 4 {
		t.Errorf("expected seq 4, got %d", recs[1].Seq)
	}
}

func TestRing_Wrap(t *testing.T) {
	r := NewRing(3)

	for i := 0; i < 4; i++ {
		r.Append(Record{SenderID: "u1", Content: fmt.Sprintf("msg %d", i)})
	}

	recs := r.Last(3)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	// msg 0 dropped, chronological order preserved.
	expected := []string{"msg 1", "msg 2", "msg 3"}
	for i, exp := range expected {
		if recs[i].Content != exp {
			t.Errorf("index %d: expected '%s', got '%s'", i, exp, recs[i].Content)
		}
	}
}

func TestRing_RangeClamped(t *testing.T) {
	r := NewRing(3)

	for i := 0; i < 5; i++ {
		r.Append(Record{Content: fmt.Sprintf("msg %d", i)})
	}

	// Seqs 0,1 were overwritten; range must clamp to what is held.
	recs := r.Range(0, 5)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Content != "msg 2" {
		t.Errorf("expected oldest 'msg 2', got '%s'", recs[0].Content)
	}

	if got := r.Range(4, 2); len(got) != 0 {
		t.Errorf("inverted range must be empty, got %d records", len(got))
	}
}

func TestRing_Empty(t *testing.T) {
	r := NewRing(3)
	if got := r.Last(5); len(got) != 0 {
		t.Errorf("empty ring Last must be empty, got %d", len(got))
	}
	if got := r.Range(0, 10); len(got) != 0 {
		t.Errorf("empty ring Range must be empty, got %d", len(got))
	}
}

func TestStore_PerConversation(t *testing.T) {
	s := NewStore(10)

	s.Append("c1", Record{Content: "hello"})
	s.Append("c2", Record{Content: "other"})

	recs := s.Last("c1", 10)
	if len(recs) != 1 || recs[0].Content != "hello" {
		t.Errorf("unexpected c1 history: %+v", recs)
	}

	if got := s.Last("missing", 10); len(got) != 0 {
		t.Errorf("unknown conversation must have empty history")
	}
}

package thread

import (
	"testing"

	"ticket_worker/core/domain"
)

func msg(id, parent string) domain.NormalizedMessage {
	return domain.NormalizedMessage{ID: id, ParentID: parent, ConversationID: id}
}

func ids(msgs []domain.NormalizedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		input     []domain.NormalizedMessage
		wantRoots []string
		wantKids  [][]string
	}{
		{
			name:      "root with two replies",
			input:     []domain.NormalizedMessage{msg("1", ""), msg("2", "1"), msg("3", "1")},
			wantRoots: []string{"1"},
			wantKids:  [][]string{{"2", "3"}},
		},
		{
			name:      "root without replies",
			input:     []domain.NormalizedMessage{msg("1", ""), msg("9", "")},
			wantRoots: []string{"1", "9"},
			wantKids:  [][]string{nil, nil},
		},
		{
			name:      "reply whose parent was processed earlier",
			input:     []domain.NormalizedMessage{msg("5", "old")},
			wantRoots: []string{"5"},
			wantKids:  [][]string{nil},
		},
		{
			name:      "reply to reply is flattened onto the root",
			input:     []domain.NormalizedMessage{msg("1", ""), msg("2", "1"), msg("3", "2")},
			wantRoots: []string{"1"},
			wantKids:  [][]string{{"2", "3"}},
		},
		{
			name:      "orphan reply anchors its own replies",
			input:     []domain.NormalizedMessage{msg("5", "old"), msg("6", "5")},
			wantRoots: []string{"5"},
			wantKids:  [][]string{{"6"}},
		},
		{
			name:      "interleaved threads keep received order",
			input:     []domain.NormalizedMessage{msg("a", ""), msg("b", ""), msg("a2", "a"), msg("b2", "b"), msg("a3", "a")},
			wantRoots: []string{"a", "b"},
			wantKids:  [][]string{{"a2", "a3"}, {"b2"}},
		},
		{
			name:      "duplicate ids are dropped",
			input:     []domain.NormalizedMessage{msg("1", ""), msg("1", ""), msg("2", "1")},
			wantRoots: []string{"1"},
			wantKids:  [][]string{{"2"}},
		},
		{
			name:      "parent cycle terminates",
			input:     []domain.NormalizedMessage{msg("x", "y"), msg("y", "x")},
			wantRoots: []string{"y"},
			wantKids:  [][]string{{"x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.input)
			if len(got) != len(tt.wantRoots) {
				t.Fatalf("expected %d conversations, got %d", len(tt.wantRoots), len(got))
			}
			for i, conv := range got {
				if conv.Root.ID != tt.wantRoots[i] {
					t.Errorf("conversation %d: root = %s, want %s", i, conv.Root.ID, tt.wantRoots[i])
				}
				if !equal(ids(conv.Replies), tt.wantKids[i]) {
					t.Errorf("conversation %d: replies = %v, want %v", i, ids(conv.Replies), tt.wantKids[i])
				}
			}
		})
	}
}

func TestReconcileEmpty(t *testing.T) {
	if got := Reconcile(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestReconcileKeepsEveryMessage(t *testing.T) {
	input := []domain.NormalizedMessage{msg("1", ""), msg("2", "1"), msg("7", "gone"), msg("3", "1"), msg("8", "")}

	total := 0
	for _, c := range Reconcile(input) {
		total += c.Len()
	}
	if total != len(input) {
		t.Errorf("expected %d messages across conversations, got %d", len(input), total)
	}
}

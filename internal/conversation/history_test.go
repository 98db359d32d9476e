package conversation_test

import (
	"fmt"
	"testing"

	"github.com/MrWong99/voxline/internal/conversation"
)

func TestHistory_TrimsToWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		window, appends int
	}{
		{1, 5},
		{4, 4},
		{4, 9},
		{10, 3},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("window=%d/appends=%d", tc.window, tc.appends), func(t *testing.T) {
			t.Parallel()

			h := conversation.NewHistory(tc.window)
			for i := range tc.appends {
				h.Append(conversation.RoleUser, fmt.Sprint(i))
			}

			want := min(tc.window, tc.appends)
			got := h.Snapshot()
			if len(got) != want {
				t.Fatalf("len = %d, want %d", len(got), want)
			}
			first := tc.appends - want
			for i, m := range got {
				if m.Content != fmt.Sprint(first+i) {
					t.Errorf("msg[%d] = %q, want %q", i, m.Content, fmt.Sprint(first+i))
				}
			}
		})
	}
}

func TestHistory_SharedHandleObservesTrim(t *testing.T) {
	t.Parallel()

	h := conversation.NewHistory(3)
	reader := h
	for i := range 3 {
		h.Append(conversation.RoleUser, fmt.Sprint(i))
	}
	h.SetWindow(2)

	if got := reader.Len(); got != 2 {
		t.Errorf("reader Len() = %d, want 2", got)
	}
}

func TestHistory_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	h := conversation.NewHistory(0)
	h.Append(conversation.RoleUser, "hola")
	snap := h.Snapshot()
	snap[0].Content = "changed"

	if got := h.Snapshot()[0].Content; got != "hola" {
		t.Errorf("history mutated through snapshot: %q", got)
	}
}

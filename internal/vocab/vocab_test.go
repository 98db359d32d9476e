package vocab_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/voxline/internal/vocab"
)

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Voxline", "ElevenLabs", "Deepgram", "Acme Health"})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact word keeps punctuation", "I love voxline!", "I love Voxline!"},
		{"misspelled word", "call voxlin now", "call Voxline now"},
		{"split word", "we use eleven labs for speech", "we use ElevenLabs for speech"},
		{"multi-word term", "my provider is acme helth.", "my provider is Acme Health."},
		{"punctuation inside window", "eleven, labs", "eleven, labs"},
		{"no match untouched", "the  weather is nice today", "the  weather is nice today"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Correct(tc.in); got != tc.want {
				t.Errorf("Correct(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCorrector_EmptyVocabulary(t *testing.T) {
	t.Parallel()

	c := vocab.New(nil)
	if got := c.Correct("voxline"); got != "voxline" {
		t.Errorf("Correct = %q, want input unchanged", got)
	}
}

func TestCorrector_SetVocabulary(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{" ", "Deepgram"})
	if got := c.Vocabulary(); !slices.Equal(got, []string{"Deepgram"}) {
		t.Fatalf("Vocabulary() = %v, want [Deepgram]", got)
	}

	c.SetVocabulary([]string{"Voxline"})
	if got := c.Correct("hello voxline"); got != "hello Voxline" {
		t.Errorf("Correct after SetVocabulary = %q", got)
	}
	if got := c.Correct("deepgram"); got != "deepgram" {
		t.Errorf("replaced vocabulary still applied: %q", got)
	}
}

func TestCorrector_ConcurrentUpdate(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Voxline"})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if i%2 == 0 {
					c.SetVocabulary([]string{"Voxline", "Deepgram"})
					continue
				}
				_ = c.Correct("voxline and deepgram")
			}
		}()
	}
	wg.Wait()
}

package energy_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/provider/vad/energy"
)

func window(n int, amp float32) []float32 {
	w := make([]float32, n)
	for i := range w {
		if i%2 == 0 {
			w[i] = amp
		} else {
			w[i] = -amp
		}
	}
	return w
}

func TestModel_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		amp  float32
		want float64
	}{
		{"silence", 0, 0},
		{"below floor", 0.004, 0},
		{"loud", 0.2, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, err := energy.New(energy.WithSmoothing(1)).NewModel(vad.Config{SampleRate: 16000, WindowSize: 512})
			if err != nil {
				t.Fatalf("NewModel: %v", err)
			}
			got, err := m.Predict(window(512, tc.amp))
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}
			if got != tc.want {
				t.Errorf("confidence = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestModel_SmoothingAndReset(t *testing.T) {
	t.Parallel()

	m, _ := energy.New().NewModel(vad.Config{SampleRate: 8000, WindowSize: 256})
	if _, err := m.Predict(window(256, 0)); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Predict(window(256, 0.03))
	if got <= 0 || got >= 1 {
		t.Errorf("smoothed onset = %f, want in (0,1)", got)
	}

	m.Reset()
	if got, _ := m.Predict(window(256, 0.2)); got != 1 {
		t.Errorf("after reset = %f, want 1", got)
	}
}

func TestModel_WindowSize(t *testing.T) {
	t.Parallel()

	m, _ := energy.New().NewModel(vad.Config{SampleRate: 8000, WindowSize: 256})
	if _, err := m.Predict(make([]float32, 100)); !errors.Is(err, vad.ErrWindowSize) {
		t.Errorf("err = %v, want ErrWindowSize", err)
	}
	if _, err := energy.New().NewModel(vad.Config{SampleRate: 22050}); !errors.Is(err, vad.ErrUnsupportedSampleRate) {
		t.Errorf("NewModel err = %v, want ErrUnsupportedSampleRate", err)
	}
}

package intent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/hearth/internal/brain"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		text string
		want Match
	}{
		{"what time is it", Match{Kind: KindTime}},
		{"Tell me the time please", Match{Kind: KindTime}},
		{"what's the date", Match{Kind: KindDate}},
		{"what day is it today", Match{Kind: KindDate}},
		{"how's the weather today", Match{Kind: KindWeather}},
		{"what's the weather in new york today", Match{Kind: KindWeather, Location: "New York"}},
		{"is it raining", Match{Kind: KindWeather}},
		{"hello there", Match{}},
		{"", Match{}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.text))
		})
	}
}

type countingAdapter struct{ calls int }

func (a *countingAdapter) Name() string { return "counting" }

func (a *countingAdapter) StreamResponse(_ context.Context, req brain.MessageRequest, onDelta brain.DeltaHandler) (brain.MessageResponse, error) {
	a.calls++
	if onDelta != nil {
		if err := onDelta("model:" + req.InputText); err != nil {
			return brain.MessageResponse{}, err
		}
	}
	return brain.MessageResponse{Text: "model:" + req.InputText}, nil
}

func TestRouterAnswersTimeLocally(t *testing.T) {
	next := &countingAdapter{}
	r := NewRouter(next, time.UTC)
	r.now = func() time.Time { return time.Date(2024, 3, 8, 17, 42, 0, 0, time.UTC) }

	var deltas []string
	resp, err := r.StreamResponse(context.Background(), brain.MessageRequest{InputText: "What time is it?"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "It is 5:42 PM.", resp.Text)
	assert.Equal(t, []string{"It is 5:42 PM."}, deltas)
	assert.Zero(t, next.calls)

	resp, err = r.StreamResponse(context.Background(), brain.MessageRequest{InputText: "what's the date"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Today is Friday, March 8.", resp.Text)
}

func TestRouterForwardsWeatherAndChat(t *testing.T) {
	next := &countingAdapter{}
	r := NewRouter(next, nil)

	for _, text := range []string{"what's the weather", "tell me a joke"} {
		resp, err := r.StreamResponse(context.Background(), brain.MessageRequest{InputText: text}, nil)
		require.NoError(t, err)
		assert.Equal(t, "model:"+text, resp.Text)
	}
	assert.Equal(t, 2, next.calls)
}

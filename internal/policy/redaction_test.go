package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactTranscript(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
		kinds []string
	}{
		{
			name: "plain",
			in:   "What's the weather tomorrow?",
			want: "What's the weather tomorrow?",
		},
		{
			name:  "email",
			in:    "Send it to mom@example.com please.",
			want:  "Send it to [email] please.",
			kinds: []string{"email"},
		},
		{
			name:  "door code",
			in:    "The door code is 4 7 1 9.",
			want:  "The door code is [code].",
			kinds: []string{"code"},
		},
		{
			name:  "wifi password",
			in:    "wifi password: sunflower22",
			want:  "wifi password: [code]",
			kinds: []string{"code"},
		},
		{
			name:  "card before phone",
			in:    "Charge 4242 4242 4242 4242 and call +1 (555) 123-9876",
			want:  "Charge [card] and call [phone]",
			kinds: []string{"card", "phone"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, kinds := RedactTranscript(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.kinds, kinds)
		})
	}
}

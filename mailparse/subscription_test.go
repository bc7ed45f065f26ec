package mailparse

import "testing"

func TestClassifySubscription(t *testing.T) {
	tests := []struct {
		name    string
		headers Headers
		want    SubscriptionInfo
	}{
		{
			name:    "no list headers",
			headers: Headers{{Name: "Subject", Value: "hi"}},
			want:    SubscriptionInfo{},
		},
		{
			name: "unsubscribe header alone is sufficient",
			headers: Headers{
				{Name: "List-Unsubscribe", Value: "<https://news.example.com/unsub?id=42>"},
			},
			want: SubscriptionInfo{
				IsSubscription: true,
				URL:            "https://news.example.com/unsub?id=42",
			},
		},
		{
			name: "one-click with post header",
			headers: Headers{
				{Name: "List-Unsubscribe", Value: "<https://news.example.com/unsub>"},
				{Name: "List-Unsubscribe-Post", Value: "List-Unsubscribe=One-Click"},
			},
			want: SubscriptionInfo{
				IsSubscription: true,
				URL:            "https://news.example.com/unsub",
				OneClick:       true,
			},
		},
		{
			name: "mailto and http targets",
			headers: Headers{
				{Name: "List-Unsubscribe", Value: "<mailto:leave@lists.example.com?subject=unsubscribe>, <https://lists.example.com/leave>"},
			},
			want: SubscriptionInfo{
				IsSubscription: true,
				URL:            "https://lists.example.com/leave",
				Mailto:         "leave@lists.example.com?subject=unsubscribe",
			},
		},
		{
			name: "mailto only",
			headers: Headers{
				{Name: "List-Unsubscribe", Value: "<mailto:leave@lists.example.com>"},
			},
			want: SubscriptionInfo{
				IsSubscription: true,
				Mailto:         "leave@lists.example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifySubscription(tt.headers)
			if got != tt.want {
				t.Errorf("got %+v; want %+v", got, tt.want)
			}
		})
	}
}

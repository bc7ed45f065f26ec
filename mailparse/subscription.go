package mailparse

import "strings"

// SubscriptionInfo is the result of classifying a message's headers
// against RFC 2369 / RFC 8058 list headers.
type SubscriptionInfo struct {
	IsSubscription bool
	URL            string // https unsubscribe target, if any
	Mailto         string // mailto fallback, if any
	OneClick       bool   // List-Unsubscribe-Post present
}

// ClassifySubscription derives subscription flags from a message's
// headers. Presence of List-Unsubscribe alone is sufficient;
// List-Unsubscribe-Post upgrades it to one-click HTTP POST unsubscribe.
func ClassifySubscription(headers Headers) SubscriptionInfo {
	raw := headers.Get("List-Unsubscribe")
	if raw == "" {
		return SubscriptionInfo{}
	}

	info := SubscriptionInfo{
		IsSubscription: true,
		OneClick:       headers.Has("List-Unsubscribe-Post"),
	}

	// The header carries one or more <target> entries, comma separated.
	for _, entry := range strings.Split(raw, ",") {
		target := strings.Trim(strings.TrimSpace(entry), "<>")
		switch {
		case strings.HasPrefix(target, "mailto:"):
			if info.Mailto == "" {
				info.Mailto = strings.TrimPrefix(target, "mailto:")
			}
		case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
			if info.URL == "" {
				info.URL = target
			}
		}
	}
	return info
}

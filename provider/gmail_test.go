package provider

import (
	"errors"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestWrapGmailError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "401 means expired credentials",
			err:  &googleapi.Error{Code: 401},
			want: ErrAuthExpired,
		},
		{
			name: "403 with quota reason is retryable",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "rateLimitExceeded"},
			}},
			want: ErrRateLimited,
		},
		{
			name: "403 with per-user quota reason is retryable",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "userRateLimitExceeded"},
			}},
			want: ErrRateLimited,
		},
		{
			name: "403 without quota reason is a permissions problem",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "insufficientPermissions"},
			}},
			want: ErrAuthExpired,
		},
		{
			name: "429 is retryable",
			err:  &googleapi.Error{Code: 429},
			want: ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapGmailError(tt.err, "list")
			if !errors.Is(got, tt.want) {
				t.Errorf("wrapGmailError(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapGmailErrorPassesThroughUnknown(t *testing.T) {
	base := errors.New("connection reset")
	got := wrapGmailError(base, "fetch")
	if !errors.Is(got, base) {
		t.Errorf("wrapGmailError lost the cause: %v", got)
	}
	if errors.Is(got, ErrAuthExpired) || errors.Is(got, ErrRateLimited) {
		t.Errorf("unknown error misclassified: %v", got)
	}

	server := &googleapi.Error{Code: 500}
	got = wrapGmailError(server, "fetch")
	if errors.Is(got, ErrAuthExpired) || errors.Is(got, ErrRateLimited) {
		t.Errorf("500 misclassified: %v", got)
	}
}

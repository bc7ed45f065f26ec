package provider

import (
	"reflect"
	"testing"
)

func TestSearchWindow(t *testing.T) {
	tests := []struct {
		name            string
		cfg             IMAPConfig
		currentValidity uint32
		wantIncremental bool
		wantReset       bool
	}{
		{
			name:            "first sync has no watermark",
			cfg:             IMAPConfig{},
			currentValidity: 100,
			wantIncremental: false,
			wantReset:       false,
		},
		{
			name:            "matching validity searches above watermark",
			cfg:             IMAPConfig{LastSyncedUID: 50, UIDValidity: 100},
			currentValidity: 100,
			wantIncremental: true,
			wantReset:       false,
		},
		{
			name:            "validity change forces full scan",
			cfg:             IMAPConfig{LastSyncedUID: 50, UIDValidity: 100},
			currentValidity: 200,
			wantIncremental: false,
			wantReset:       true,
		},
		{
			name:            "no stored validity is not a reset",
			cfg:             IMAPConfig{LastSyncedUID: 50},
			currentValidity: 100,
			wantIncremental: true,
			wantReset:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			criteria, reset := searchWindow(tt.cfg, tt.currentValidity)
			if reset != tt.wantReset {
				t.Errorf("reset = %v; want %v", reset, tt.wantReset)
			}
			if got := criteria.Uid != nil; got != tt.wantIncremental {
				t.Errorf("incremental = %v; want %v", got, tt.wantIncremental)
			}
			if tt.wantIncremental {
				if criteria.Uid.Contains(tt.cfg.LastSyncedUID) {
					t.Errorf("window includes already-synced UID %d", tt.cfg.LastSyncedUID)
				}
				if !criteria.Uid.Contains(tt.cfg.LastSyncedUID + 1) {
					t.Errorf("window excludes UID %d", tt.cfg.LastSyncedUID+1)
				}
			}
		})
	}
}

func TestCapNewest(t *testing.T) {
	uids := []uint32{7, 3, 12, 9, 1}

	got := capNewest(uids, 3)
	if want := []uint32{7, 9, 12}; !reflect.DeepEqual(got, want) {
		t.Errorf("capNewest = %v; want %v", got, want)
	}

	small := []uint32{4, 2}
	if got := capNewest(small, 3); !reflect.DeepEqual(got, small) {
		t.Errorf("capNewest under cap = %v; want %v", got, small)
	}
	if got := capNewest(small, 0); !reflect.DeepEqual(got, small) {
		t.Errorf("capNewest with zero cap = %v; want %v", got, small)
	}
}

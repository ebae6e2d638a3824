package conflict

import (
	"context"
	"strings"
	"testing"

	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

func setupChecker(t *testing.T) (*Checker, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := providers.NewRegistry(store, nil, nil)
	c := NewChecker()
	registry.MustRegister(c)
	if err := registry.InitializeAll(context.Background()); err != nil {
		t.Fatalf("InitializeAll failed: %v", err)
	}
	return c, store
}

func seedGroups(t *testing.T, store storage.Storage) (a, b *models.RoutingGroup) {
	t.Helper()
	svc := &models.TunnelService{Name: "s", JumpHost: "h", JumpUsername: "u", ProxyPort: 11081}
	if err := store.Tunnels().Create(svc); err != nil {
		t.Fatal(err)
	}
	a = &models.RoutingGroup{Name: "google", ProxyServiceID: svc.ID, Domains: []string{"google.com", "Gmail.com"}, Enabled: true}
	b = &models.RoutingGroup{Name: "video", ProxyServiceID: svc.ID, Domains: []string{"youtube.com"}, Enabled: false}
	for _, g := range []*models.RoutingGroup{a, b} {
		if err := store.Groups().Create(g); err != nil {
			t.Fatal(err)
		}
	}
	return a, b
}

func TestCheckConflict(t *testing.T) {
	c, store := setupChecker(t)
	a, b := seedGroups(t, store)

	tests := []struct {
		name      string
		domains   []string
		exclude   int64
		conflicts map[string]int64
	}{
		{"empty never conflicts", nil, 0, nil},
		{"no overlap", []string{"github.com"}, 0, nil},
		{"case insensitive", []string{"GOOGLE.com"}, 0, map[string]int64{"google.com": a.ID}},
		{"stored case ignored", []string{"gmail.com"}, 0, map[string]int64{"gmail.com": a.ID}},
		{"disabled groups still claim", []string{"youtube.com", "github.com"}, 0, map[string]int64{"youtube.com": b.ID}},
		{"excluded group ignored", []string{"google.com"}, a.ID, nil},
		{"multiple groups", []string{"google.com", "youtube.com"}, 0, map[string]int64{"google.com": a.ID, "youtube.com": b.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.CheckConflict(tt.domains, tt.exclude)
			if err != nil {
				t.Fatalf("CheckConflict failed: %v", err)
			}
			if res.HasConflict != (len(tt.conflicts) > 0) {
				t.Errorf("HasConflict = %v, want %v", res.HasConflict, len(tt.conflicts) > 0)
			}
			if len(res.Conflicts) != len(tt.conflicts) {
				t.Fatalf("Expected %d conflicts, got %+v", len(tt.conflicts), res.Conflicts)
			}
			for _, conflict := range res.Conflicts {
				if tt.conflicts[conflict.Domain] != conflict.GroupID {
					t.Errorf("Unexpected conflict %+v", conflict)
				}
				if conflict.GroupName == "" {
					t.Error("Expected group name in conflict")
				}
			}
		})
	}
}

func TestValidateDomains(t *testing.T) {
	normalized, invalid := ValidateDomains([]string{" Example.COM ", "*.github.com", "example.com", "bad host", "", "a_b.internal", "http://x.com"})

	want := []string{"example.com", "github.com", "bad host", "a_b.internal", "http://x.com"}
	if strings.Join(normalized, ",") != strings.Join(want, ",") {
		t.Errorf("normalized = %v", normalized)
	}
	if len(invalid) != 2 || invalid[0] != "bad host" || invalid[1] != "http://x.com" {
		t.Errorf("invalid = %v", invalid)
	}
}

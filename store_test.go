package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_TorrentLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.AddTorrent(ctx, strings.ToUpper(testHash), "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, testHash, created.InfoHash)
	assert.Equal(t, TorrentPending, created.Status)
	assert.Equal(t, "ubuntu", created.Title)

	require.NoError(t, store.SetTorrentStatus(ctx, testHash, TorrentApproved))
	got, err := store.FindTorrent(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, TorrentApproved, got.Status)

	require.NoError(t, store.UpdateSwarmCounts(ctx, got.ID, 3, 4, true))
	require.NoError(t, store.UpdateSwarmCounts(ctx, got.ID, 5, 1, false))
	got, err = store.FindTorrent(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Seeders)
	assert.Equal(t, int64(1), got.Leechers)
	assert.Equal(t, int64(1), got.Downloads)

	all, err := store.ListTorrents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, got.ID, all[0].ID)
}

func TestStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindTorrent(ctx, testHash)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.SetTorrentStatus(ctx, testHash, TorrentApproved), ErrNotFound)
	assert.ErrorIs(t, store.UpdateSwarmCounts(ctx, 999, 1, 1, false), ErrNotFound)
	assert.ErrorIs(t, store.SetRuleActive(ctx, 999, false), ErrNotFound)
}

func TestStore_DuplicateTorrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddTorrent(ctx, testHash, "")
	require.NoError(t, err)
	_, err = store.AddTorrent(ctx, testHash, "")
	assert.Error(t, err)
}

func TestStore_UnknownStatus(t *testing.T) {
	store := newTestStore(t)
	addTorrent(t, store, testHash, TorrentApproved)
	assert.Error(t, store.SetTorrentStatus(context.Background(), testHash, "banned"))
}

func TestStore_Rules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AddRule(ctx, FilterRule{Name: "a", Type: RuleIPBlacklist, Pattern: "10.0.0.5", Action: ActionDeny})
	require.NoError(t, err)
	second, err := store.AddRule(ctx, FilterRule{Name: "b", Type: RuleClientRegex, Pattern: "^-qB", Action: ActionAllow})
	require.NoError(t, err)
	assert.True(t, first.IsActive)
	assert.Greater(t, second.ID, first.ID)

	require.NoError(t, store.SetRuleActive(ctx, first.ID, false))

	active, err := store.ActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Name)

	all, err := store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.False(t, all[0].IsActive)
	assert.Equal(t, "b", all[1].Name)
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    FilterRule
		wantErr bool
	}{
		{"valid regex", FilterRule{Name: "r", Type: RuleClientRegex, Pattern: "^-UT", Action: ActionDeny}, false},
		{"valid cidr", FilterRule{Name: "r", Type: RuleIPRange, Pattern: "10.0.0.0/8", Action: ActionAllow}, false},
		{"missing name", FilterRule{Type: RuleIPRange, Pattern: "10.0.0.0/8", Action: ActionAllow}, true},
		{"bad regex", FilterRule{Name: "r", Type: RuleClientRegex, Pattern: "([", Action: ActionDeny}, true},
		{"bad type", FilterRule{Name: "r", Type: "geo", Pattern: "NL", Action: ActionDeny}, true},
		{"bad action", FilterRule{Name: "r", Type: RuleIPBlacklist, Pattern: "1.2.3.4", Action: "drop"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRule(tt.rule)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tracker.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, path)
}

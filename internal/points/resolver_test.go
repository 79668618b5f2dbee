package points

import (
	"context"
	"testing"

	"raidline/internal/db"
)

type overrideKey struct {
	role     string
	activity string
}

type fakeStore struct {
	values map[overrideKey]Amount
	calls  int
}

func (f *fakeStore) MaxOverride(_ context.Context, _ db.Querier, _ string, _ Category, activityKey string, roles []string) (Amount, bool, error) {
	f.calls++
	var best Amount
	found := false
	for k, v := range f.values {
		if k.activity != activityKey {
			continue
		}
		if roles != nil && !contains(roles, k.role) {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestResolvePrecedence(t *testing.T) {
	store := &fakeStore{values: map[overrideKey]Amount{
		{role: "R1", activity: "X"}: Whole(3),
		{role: "R2", activity: "X"}: Whole(5),
	}}
	r := NewResolver(store)
	ctx := context.Background()
	check := func(roles []string, want Amount) {
		t.Helper()
		got, err := r.Resolve(ctx, nil, "c1", CategoryRaider, "X", roles)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("roles %v: got %s, want %s", roles, got, want)
		}
	}
	check([]string{"R1", "R2"}, Whole(5))
	check([]string{"R3"}, DefaultRaider)
	check(nil, Whole(5))
	check([]string{"R1"}, Whole(3))

	got, err := r.Resolve(ctx, nil, "c1", CategoryKeyPop, "Y", nil)
	if err != nil || got != DefaultKeyPop {
		t.Fatalf("key pop default: %v %v", got, err)
	}
}

func TestResolveIgnoresRolelessOverrideForHeldRoles(t *testing.T) {
	store := &fakeStore{values: map[overrideKey]Amount{
		{role: "", activity: "X"}:   Whole(2),
		{role: "R1", activity: "X"}: Whole(4),
	}}
	r := NewResolver(store)
	got, err := r.Resolve(context.Background(), nil, "c1", CategoryOrganizer, "X", []string{"R9"})
	if err != nil || got != DefaultOrganizer {
		t.Fatalf("unrelated roles: got %v %v", got, err)
	}
	got, err = r.Resolve(context.Background(), nil, "c1", CategoryOrganizer, "X", []string{"R1"})
	if err != nil || got != Whole(4) {
		t.Fatalf("held role: got %v %v", got, err)
	}
	// no roles at all takes the best override in the community
	got, err = r.Resolve(context.Background(), nil, "c1", CategoryOrganizer, "X", nil)
	if err != nil || got != Whole(4) {
		t.Fatalf("no roles: got %v %v", got, err)
	}
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	store := &fakeStore{values: map[overrideKey]Amount{}}
	r := NewResolver(store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, nil, "c1", CategoryRaider, "X", []string{"b", "a"}); err != nil {
			t.Fatal(err)
		}
	}
	calls := store.calls
	if calls != 1 {
		t.Fatalf("expected one uncached resolution, got %d store calls", calls)
	}
	store.values[overrideKey{role: "a", activity: "X"}] = Whole(7)
	r.Invalidate("c1")
	got, err := r.Resolve(ctx, nil, "c1", CategoryRaider, "X", []string{"a", "b"})
	if err != nil || got != Whole(7) {
		t.Fatalf("after invalidate got %v %v", got, err)
	}
}

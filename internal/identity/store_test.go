package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
	"github.com/johnvesslyalti/tars-chat/internal/store/storetest"
)

func TestEnsureUser_CreatesOnFirstContact(t *testing.T) {
	db := storetest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	externalID := "test-" + uuid.New().String()

	u, err := s.EnsureUser(ctx, externalID, "Alice", "https://img/a.png")
	if err != nil {
		t.Fatalf("EnsureUser() error: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected a user id")
	}
	if u.ExternalID != externalID {
		t.Errorf("expected external id %q, got %q", externalID, u.ExternalID)
	}
	if u.DisplayName != "Alice" {
		t.Errorf("expected display name Alice, got %q", u.DisplayName)
	}
}

func TestEnsureUser_IdempotentFirstWriteWins(t *testing.T) {
	db := storetest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	externalID := "test-" + uuid.New().String()

	first, err := s.EnsureUser(ctx, externalID, "Alice", "https://img/a.png")
	if err != nil {
		t.Fatalf("EnsureUser() error: %v", err)
	}

	// Repeat with different profile fields: same id, original fields kept.
	second, err := s.EnsureUser(ctx, externalID, "Alicia", "https://img/b.png")
	if err != nil {
		t.Fatalf("repeat EnsureUser() error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same user id, got %s and %s", first.ID, second.ID)
	}
	if second.DisplayName != "Alice" {
		t.Errorf("expected first-write-wins display name, got %q", second.DisplayName)
	}
	if second.AvatarURL != "https://img/a.png" {
		t.Errorf("expected first-write-wins avatar, got %q", second.AvatarURL)
	}
}

func TestEnsureUser_ConcurrentCallsNoDuplicates(t *testing.T) {
	db := storetest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	externalID := "test-" + uuid.New().String()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := s.EnsureUser(ctx, externalID, "Racer", "")
			ids[i], errs[i] = u.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got id %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}

	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE external_id = $1`, externalID).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 row, got %d", count)
	}
}

func TestEnsureUser_EmptyExternalID(t *testing.T) {
	db := storetest.Open(t)
	s := NewStore(db)

	_, err := s.EnsureUser(context.Background(), "   ", "Nobody", "")
	if err == nil {
		t.Fatal("expected error for empty external id")
	}
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestListOtherUsers_ExcludesCaller(t *testing.T) {
	db := storetest.Open(t)
	s := NewStore(db)
	ctx := context.Background()

	selfExt := "test-" + uuid.New().String()
	otherExt := "test-" + uuid.New().String()

	self, err := s.EnsureUser(ctx, selfExt, "Self", "")
	if err != nil {
		t.Fatalf("EnsureUser(self) error: %v", err)
	}
	other, err := s.EnsureUser(ctx, otherExt, "Other", "")
	if err != nil {
		t.Fatalf("EnsureUser(other) error: %v", err)
	}

	users, err := s.ListOtherUsers(ctx, selfExt)
	if err != nil {
		t.Fatalf("ListOtherUsers() error: %v", err)
	}

	foundOther := false
	for _, u := range users {
		if u.ID == self.ID {
			t.Errorf("caller %s must be excluded from the listing", self.ID)
		}
		if u.ID == other.ID {
			foundOther = true
		}
	}
	if !foundOther {
		t.Errorf("expected user %s in the listing", other.ID)
	}
}

func TestByID_NotFound(t *testing.T) {
	db := storetest.Open(t)
	s := NewStore(db)

	_, err := s.ByID(context.Background(), uuid.New().String())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

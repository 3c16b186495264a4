package targets

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
)

type memRecipientRepo struct {
	mu         sync.Mutex
	sets       map[string]*model.RecipientSet
	recipients map[string][]model.Recipient
	blacklist  map[string]struct{}
}

var _ repo.RecipientRepository = (*memRecipientRepo)(nil)

func newMemRecipientRepo() *memRecipientRepo {
	return &memRecipientRepo{
		sets:       make(map[string]*model.RecipientSet),
		recipients: make(map[string][]model.Recipient),
		blacklist:  make(map[string]struct{}),
	}
}

func (r *memRecipientRepo) CreateSet(ctx context.Context, set *model.RecipientSet, recipients []model.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *set
	r.sets[set.ID] = &cp
	r.recipients[set.ID] = append([]model.Recipient(nil), recipients...)
	return nil
}

func (r *memRecipientRepo) GetSet(ctx context.Context, id string) (*model.RecipientSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *set
	return &cp, nil
}

func (r *memRecipientRepo) ListSets(ctx context.Context) ([]model.RecipientSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RecipientSet, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, *s)
	}
	return out, nil
}

func (r *memRecipientRepo) DeleteSet(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.sets, id)
	delete(r.recipients, id)
	return nil
}

func (r *memRecipientRepo) ListRecipients(ctx context.Context, setID string) ([]model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Recipient(nil), r.recipients[setID]...), nil
}

func (r *memRecipientRepo) ValidFrom(ctx context.Context, setID string, fromPosition int) ([]model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Recipient
	for _, rec := range r.recipients[setID] {
		if rec.Valid && rec.Position >= fromPosition {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRecipientRepo) MarkInvalid(ctx context.Context, setID, identifier, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.recipients[setID]
	for i := range recs {
		if strings.EqualFold(recs[i].Identifier, identifier) {
			recs[i].Valid = false
			recs[i].ErrorReason = &reason
		}
	}
	return nil
}

func (r *memRecipientRepo) AddBlacklist(ctx context.Context, identifier string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blacklist[identifier]; ok {
		return false, nil
	}
	r.blacklist[identifier] = struct{}{}
	return true, nil
}

func (r *memRecipientRepo) ListBlacklist(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.blacklist))
	for id := range r.blacklist {
		out = append(out, id)
	}
	return out, nil
}

func (r *memRecipientRepo) ClearBlacklist(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.blacklist))
	r.blacklist = make(map[string]struct{})
	return n, nil
}

func (r *memRecipientRepo) IsBlacklisted(ctx context.Context, identifier string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklist[identifier]
	return ok, nil
}

func (r *memRecipientRepo) InvalidateBlacklisted(ctx context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason := "blacklisted"
	for setID := range r.recipients {
		recs := r.recipients[setID]
		for i := range recs {
			if strings.ToLower(strings.TrimPrefix(recs[i].Identifier, "@")) == identifier {
				recs[i].Valid = false
				recs[i].ErrorReason = &reason
			}
		}
	}
	return nil
}

func TestParseIdentifier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw      string
		want     string
		wantKind model.IdentifierKind
	}{
		{"@alice", "alice", model.KindHandle},
		{"alice", "alice", model.KindHandle},
		{"  @Bob_42  ", "Bob_42", model.KindHandle},
		{"123456", "123456", model.KindNumericID},
		{"+12025550123", "+12025550123", model.KindPhone},
		{"+1 202 555-0123", "+12025550123", model.KindPhone},
		{"12025550123", "12025550123", model.KindNumericID},
		{"not-a-number-99", "not-a-number-99", model.KindHandle},
	}
	for _, tc := range cases {
		got, kind := ParseIdentifier(tc.raw)
		if got != tc.want || kind != tc.wantKind {
			t.Errorf("ParseIdentifier(%q) = (%q, %s), want (%q, %s)",
				tc.raw, got, kind, tc.want, tc.wantKind)
		}
	}
}

func TestImport_DeduplicatesAndPreservesOrder(t *testing.T) {
	t.Parallel()

	r := newMemRecipientRepo()
	svc := NewService(r)
	ctx := context.Background()

	input := strings.Join([]string{
		"# campaign batch one",
		"@alice",
		"bob",
		"",
		"ALICE", // duplicate of @alice after case folding
		"@Bob",  // duplicate of bob
		"123456",
		"123456", // duplicate numeric id
		"carl",
	}, "\n")

	set, read, err := svc.Import(ctx, "batch one", strings.NewReader(input))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if read != 7 {
		t.Fatalf("read = %d, want 7 non-comment lines", read)
	}
	if set.Total != 4 || set.Valid != 4 {
		t.Fatalf("set totals = %d/%d, want 4/4", set.Total, set.Valid)
	}

	stored, err := r.ListRecipients(ctx, set.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{"alice", "bob", "123456", "carl"}
	if len(stored) != len(wantOrder) {
		t.Fatalf("stored %d recipients, want %d", len(stored), len(wantOrder))
	}
	for i, want := range wantOrder {
		if stored[i].Identifier != want {
			t.Errorf("position %d = %q, want %q (order must follow input)", i, stored[i].Identifier, want)
		}
	}
}

func TestImport_SkipsBlacklistedAndRejectsEmpty(t *testing.T) {
	t.Parallel()

	r := newMemRecipientRepo()
	svc := NewService(r)
	ctx := context.Background()

	if _, err := svc.Blacklist(ctx, "@Spammer"); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}

	set, _, err := svc.Import(ctx, "filtered", strings.NewReader("@spammer\nalice\n"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if set.Total != 1 {
		t.Fatalf("total = %d, want 1 (blacklisted entry dropped)", set.Total)
	}

	if _, _, err := svc.Import(ctx, "empty", strings.NewReader("# only comments\n\n")); err == nil {
		t.Fatal("expected error for input with no usable recipients")
	}
}

func TestBlacklist_NormalizesAndInvalidatesExisting(t *testing.T) {
	t.Parallel()

	r := newMemRecipientRepo()
	svc := NewService(r)
	ctx := context.Background()

	set, _, err := svc.Import(ctx, "wave", strings.NewReader("@Alice\nbob\n"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	added, err := svc.Blacklist(ctx, "@ALICE")
	if err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !added {
		t.Fatal("expected first blacklist call to add")
	}
	if added, _ := svc.Blacklist(ctx, "alice"); added {
		t.Fatal("expected duplicate blacklist call to be a no-op")
	}

	if blocked, _ := svc.IsBlacklisted(ctx, "@Alice"); !blocked {
		t.Fatal("IsBlacklisted must match case-insensitively with @ stripped")
	}

	valid, err := svc.ValidTargetsFrom(ctx, set.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(valid) != 1 || valid[0].Identifier != "bob" {
		t.Fatalf("valid after blacklist = %+v, want only bob", valid)
	}

	n, err := svc.ClearBlacklist(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearBlacklist = (%d, %v), want (1, nil)", n, err)
	}
}

func TestSetStats_CountsKindsAndValidity(t *testing.T) {
	t.Parallel()

	r := newMemRecipientRepo()
	svc := NewService(r)
	ctx := context.Background()

	set, _, err := svc.Import(ctx, "mixed",
		strings.NewReader("@alice\n123456\n+12025550123\nbob\n"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := svc.MarkInvalid(ctx, set.ID, "bob", "no such user"); err != nil {
		t.Fatalf("MarkInvalid: %v", err)
	}

	stats, err := svc.SetStats(ctx, set.ID)
	if err != nil {
		t.Fatalf("SetStats: %v", err)
	}
	want := Stats{Total: 4, Valid: 3, Invalid: 1, Handles: 2, NumericIDs: 1, Phones: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

package targets

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
)

var phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)

type Service struct {
	repo repo.RecipientRepository
}

func NewService(r repo.RecipientRepository) *Service {
	return &Service{repo: r}
}

// ParseIdentifier classifies a raw identifier: all digits is a numeric id,
// a 10-15 digit string (spaces and dashes stripped, optional leading +) is
// a phone number, anything else is a handle with a leading @ removed.
func ParseIdentifier(raw string) (string, model.IdentifierKind) {
	raw = strings.TrimSpace(raw)

	if raw != "" && isDigits(raw) {
		return raw, model.KindNumericID
	}

	compact := strings.NewReplacer(" ", "", "-", "").Replace(raw)
	if phonePattern.MatchString(compact) {
		return compact, model.KindPhone
	}

	return strings.TrimPrefix(raw, "@"), model.KindHandle
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Import reads one identifier per line (blank lines and # comments are
// skipped), deduplicates on (kind, lowercased identifier) preserving order,
// drops blacklisted entries and stores the result as a new set. Returns the
// stored set and how many raw lines were read.
func (s *Service) Import(ctx context.Context, name string, r io.Reader) (*model.RecipientSet, int, error) {
	blacklist, err := s.blacklistSet(ctx)
	if err != nil {
		return nil, 0, err
	}

	var recipients []model.Recipient
	seen := make(map[string]struct{})
	total := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		total++

		identifier, kind := ParseIdentifier(line)
		if identifier == "" {
			continue
		}

		key := string(kind) + ":" + strings.ToLower(identifier)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if _, bad := blacklist[normalize(identifier)]; bad {
			continue
		}

		recipients = append(recipients, model.Recipient{
			Position:   len(recipients),
			Identifier: identifier,
			Kind:       kind,
			Valid:      true,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if len(recipients) == 0 {
		return nil, total, errors.New("no usable recipients in input")
	}

	set := &model.RecipientSet{
		ID:    uuid.NewString(),
		Name:  name,
		Total: len(recipients),
		Valid: len(recipients),
	}
	if err := s.repo.CreateSet(ctx, set, recipients); err != nil {
		return nil, total, err
	}

	slog.Info("recipient set imported",
		"set", set.ID, "name", name, "read", total, "kept", len(recipients))
	return set, total, nil
}

func (s *Service) ListSets(ctx context.Context) ([]model.RecipientSet, error) {
	return s.repo.ListSets(ctx)
}

func (s *Service) GetSet(ctx context.Context, id string) (*model.RecipientSet, error) {
	return s.repo.GetSet(ctx, id)
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.DeleteSet(ctx, id); err != nil {
		return err
	}
	slog.Info("recipient set removed", "set", id)
	return nil
}

// ValidTargetsFrom returns the recipients still valid at or past a position,
// in position order. Dispatch cursors are positions, so mid-run
// invalidations never shift the targets that remain.
func (s *Service) ValidTargetsFrom(ctx context.Context, setID string, fromPosition int) ([]model.Recipient, error) {
	return s.repo.ValidFrom(ctx, setID, fromPosition)
}

func (s *Service) MarkInvalid(ctx context.Context, setID, identifier, reason string) error {
	return s.repo.MarkInvalid(ctx, setID, identifier, reason)
}

type Stats struct {
	Total      int
	Valid      int
	Invalid    int
	Handles    int
	NumericIDs int
	Phones     int
}

func (s *Service) SetStats(ctx context.Context, setID string) (Stats, error) {
	recipients, err := s.repo.ListRecipients(ctx, setID)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	st.Total = len(recipients)
	for _, r := range recipients {
		if r.Valid {
			st.Valid++
		} else {
			st.Invalid++
		}
		switch r.Kind {
		case model.KindHandle:
			st.Handles++
		case model.KindNumericID:
			st.NumericIDs++
		case model.KindPhone:
			st.Phones++
		}
	}
	return st, nil
}

// Blacklist adds an identifier to the blacklist (stored lowercased, @
// stripped) and marks any matching recipients invalid in place.
func (s *Service) Blacklist(ctx context.Context, identifier string) (bool, error) {
	id := normalize(identifier)
	if id == "" {
		return false, errors.New("identifier must not be empty")
	}

	added, err := s.repo.AddBlacklist(ctx, id)
	if err != nil {
		return false, err
	}
	if added {
		if err := s.repo.InvalidateBlacklisted(ctx, id); err != nil {
			return false, err
		}
		slog.Info("identifier blacklisted", "identifier", id)
	}
	return added, nil
}

func (s *Service) IsBlacklisted(ctx context.Context, identifier string) (bool, error) {
	return s.repo.IsBlacklisted(ctx, normalize(identifier))
}

func (s *Service) ListBlacklist(ctx context.Context) ([]string, error) {
	return s.repo.ListBlacklist(ctx)
}

func (s *Service) ClearBlacklist(ctx context.Context) (int64, error) {
	n, err := s.repo.ClearBlacklist(ctx)
	if err == nil {
		slog.Info("blacklist cleared", "removed", n)
	}
	return n, err
}

func (s *Service) blacklistSet(ctx context.Context) (map[string]struct{}, error) {
	entries, err := s.repo.ListBlacklist(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return set, nil
}

func normalize(identifier string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(identifier)), "@")
}

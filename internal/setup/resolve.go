package setup

import (
	"context"
	"fmt"
	"io"

	"github.com/njoerd114/shelfsync/internal/model"
)

// ConflictResolver is the subset of the inventory service the walk-through needs.
type ConflictResolver interface {
	Conflicts(ctx context.Context) ([]*model.Record, error)
	KeepLocal(ctx context.Context, id string) (*model.Record, error)
	UseRemote(ctx context.Context, id string) (*model.Record, error)
}

// ResolveSummary counts the choices made during a walk-through.
type ResolveSummary struct {
	KeptLocal  int
	UsedRemote int
	Skipped    int
}

const (
	choiceKeepLocal = iota
	choiceUseRemote
	choiceSkip
)

// ResolveConflicts shows every conflicting record next to the server's copy and
// asks which one wins. Skipped records stay in conflict.
func ResolveConflicts(ctx context.Context, svc ConflictResolver, r io.Reader, w io.Writer) (ResolveSummary, error) {
	var sum ResolveSummary

	conflicts, err := svc.Conflicts(ctx)
	if err != nil {
		return sum, fmt.Errorf("listing conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		fmt.Fprintf(w, "No conflicts to resolve.\n")
		return sum, nil
	}

	p := NewPrompter(r, w)
	options := []string{"keep my version", "use the server's version", "decide later"}

	for i, rec := range conflicts {
		fmt.Fprintf(w, "\nConflict %d/%d: %s\n", i+1, len(conflicts), rec.ID)
		fmt.Fprintf(w, "  %-8s %s\n", "local:", describe(rec.ItemName, rec.Quantity, rec.Price.String(), rec.Location))
		if srv := rec.ConflictServer; srv != nil {
			fmt.Fprintf(w, "  %-8s %s\n", "server:", describe(srv.ItemName, srv.Quantity, srv.Price.String(), srv.Location))
		}

		choice, err := p.Select("Which version wins", options)
		if err != nil {
			return sum, fmt.Errorf("reading choice for %s: %w", rec.ID, err)
		}

		switch choice {
		case choiceKeepLocal:
			if _, err := svc.KeepLocal(ctx, rec.ID); err != nil {
				return sum, fmt.Errorf("keeping local version of %s: %w", rec.ID, err)
			}
			sum.KeptLocal++
		case choiceUseRemote:
			if _, err := svc.UseRemote(ctx, rec.ID); err != nil {
				return sum, fmt.Errorf("using server version of %s: %w", rec.ID, err)
			}
			sum.UsedRemote++
		case choiceSkip:
			sum.Skipped++
		}
	}
	return sum, nil
}

func describe(name string, qty int, price string, loc model.Location) string {
	return fmt.Sprintf("%s, qty %d, price %s, %s", name, qty, price, loc)
}

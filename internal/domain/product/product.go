package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a requested product does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("product not found")
	// ErrHandleTaken is returned when another live product already uses the
	// handle. Soft-deleted rows do not count: their handles are free for
	// reuse.
	ErrHandleTaken = errors.New("product handle already in use")
	// ErrOptionCountMismatch is returned when a variant's value count does
	// not match the product's option count.
	ErrOptionCountMismatch = errors.New("option value count does not match product options")
)

// Product is a catalog aggregate. Handle uniqueness is enforced only among
// rows where DeletedAt is null, so re-creating a deleted product under the
// same handle succeeds.
type Product struct {
	ID         string
	Handle     string
	Title      string
	IsGiftCard bool
	Options    []Option
	Metadata   map[string]string
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// Option is a configurable axis (size, color) owned by a product. Its values
// are an ordered sequence; ordering operations live on the aggregate so the
// option-count invariant stays enforced in one place.
type Option struct {
	ID     string
	Title  string
	Values []string
}

// Update separates structural fields from metadata so a generic update path
// cannot mutate metadata by accident. Nil pointers leave fields untouched.
type Update struct {
	Title    *string
	Handle   *string
	Metadata map[string]string
}

// Apply merges the update into the product. Metadata keys are merged rather
// than replaced; an empty string value deletes the key.
func (p *Product) Apply(u Update) {
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Handle != nil {
		p.Handle = *u.Handle
	}
	if len(u.Metadata) > 0 {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			if v == "" {
				delete(p.Metadata, k)
				continue
			}
			p.Metadata[k] = v
		}
	}
}

// InsertValueAt inserts a value into the option's ordered value sequence.
// Indexes past the end append.
func (p *Product) InsertValueAt(optionID, value string, at int) bool {
	for i := range p.Options {
		if p.Options[i].ID != optionID {
			continue
		}
		values := p.Options[i].Values
		if at < 0 {
			at = 0
		}
		if at >= len(values) {
			p.Options[i].Values = append(values, value)
			return true
		}
		values = append(values[:at+1], values[at:]...)
		values[at] = value
		p.Options[i].Values = values
		return true
	}
	return false
}

// RemoveValuesWhere drops option values matching the predicate, preserving
// order, and returns how many were removed.
func (p *Product) RemoveValuesWhere(optionID string, match func(string) bool) int {
	for i := range p.Options {
		if p.Options[i].ID != optionID {
			continue
		}
		kept := p.Options[i].Values[:0]
		removed := 0
		for _, v := range p.Options[i].Values {
			if match(v) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		p.Options[i].Values = kept
		return removed
	}
	return 0
}

// ValidateVariantValues checks the option-count invariant for a variant's
// value assignment.
func (p *Product) ValidateVariantValues(values []string) error {
	if len(values) != len(p.Options) {
		return errors.Wrapf(ErrOptionCountMismatch, "got %d values for %d options", len(values), len(p.Options))
	}
	return nil
}

// Repository defines catalog persistence. Create must rely on a uniqueness
// constraint scoped to live rows (a partial unique index), not an
// application-level lookup.
type Repository interface {
	Create(ctx context.Context, p *Product) error
	GetByHandle(ctx context.Context, handle string) (*Product, error)
	Update(ctx context.Context, id string, u Update) (*Product, error)
	SoftDelete(ctx context.Context, id string) error
}

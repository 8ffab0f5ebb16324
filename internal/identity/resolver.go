package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/model"
)

// Lookup is the roster query surface used by the resolver. Implementations return an
// error wrapping errs.ErrNotFound when no employee matches.
type Lookup interface {
	FindEmployeeByEmail(ctx context.Context, email string) (*model.Employee, error)
	FindEmployeeByDirectoryID(ctx context.Context, directoryID string) (*model.Employee, error)
	FindEmployeeByID(ctx context.Context, id int64) (*model.Employee, error)
}

// Resolver maps an Identifier to a known employee.
//
// Strategy, tried in order until one step finds a record:
//
//	record_id:    by primary key
//	directory_id: by directory id, then by email (some directories key accounts by UPN)
//	email:        by normalized email
//
// Successful resolutions are cached for the configured TTL. Misses are not cached.
type Resolver struct {
	lookup Lookup
	cache  *cache.Cache
	ttl    time.Duration
}

// NewResolver creates a resolver with a TTL cache in front of lookup.
func NewResolver(lookup Lookup, ttl time.Duration) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache:  cache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

// Resolve returns the employee identified by id.
func (r *Resolver) Resolve(ctx context.Context, id Identifier) (*model.Employee, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	key := id.String()
	if cached, found := r.cache.Get(key); found {
		e := cached.(model.Employee)
		return &e, nil
	}

	var (
		employee *model.Employee
		err      error
	)
	switch id.Kind {
	case KindRecordID:
		n, _ := id.RecordID()
		employee, err = r.lookup.FindEmployeeByID(ctx, n)
	case KindDirectoryID:
		employee, err = r.lookup.FindEmployeeByDirectoryID(ctx, id.Value)
		if errors.Is(err, errs.ErrNotFound) && ValidEmail(NormalizeEmail(id.Value)) {
			employee, err = r.lookup.FindEmployeeByEmail(ctx, NormalizeEmail(id.Value))
		}
	case KindEmail:
		employee, err = r.lookup.FindEmployeeByEmail(ctx, id.Value)
	}
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: employee %s", errs.ErrNotFound, id)
		}
		return nil, err
	}

	r.cache.Set(key, *employee, r.ttl)
	return employee, nil
}

// Forget drops cached resolutions for an employee, e.g. after a roster update.
func (r *Resolver) Forget(e *model.Employee) {
	r.cache.Delete(Email(e.Email).String())
	r.cache.Delete(Identifier{Kind: KindRecordID, Value: fmt.Sprint(e.ID)}.String())
	if e.DirectoryID != nil {
		r.cache.Delete(Identifier{Kind: KindDirectoryID, Value: *e.DirectoryID}.String())
	}
}

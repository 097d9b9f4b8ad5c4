package quota

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var ErrInvalidActor = errors.New("quota actor id must not be empty")

// Decision is the result of a quota check. Remaining is what is left in
// the current window after this call.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
}

// Checker consumes one unit of quota for actor if any is left.
type Checker interface {
	Allow(ctx context.Context, actor string) (Decision, error)
}

// Fallback asks Primary and, if it errors, Secondary. It lets a Redis
// outage degrade to per-process limits instead of blocking dispatches.
type Fallback struct {
	Primary   Checker
	Secondary Checker
	Logger    zerolog.Logger
}

func (f *Fallback) Allow(ctx context.Context, actor string) (Decision, error) {
	d, err := f.Primary.Allow(ctx, actor)
	if err == nil || f.Secondary == nil || errors.Is(err, ErrInvalidActor) {
		return d, err
	}
	f.Logger.Warn().Err(err).Str("actor", actor).Msg("primary quota check failed, using fallback")
	return f.Secondary.Allow(ctx, actor)
}

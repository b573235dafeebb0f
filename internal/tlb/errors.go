package tlb

import "errors"

var (
	// errIncompleteRecipe marks a recipe that never reached the
	// completeness predicate (neither two terminal instructions nor one
	// terminal plus a remainder) — not a
	// protocol violation, just an attempt that found nothing to settle.
	errIncompleteRecipe = errors.New("tlb: recipe incomplete")
	// errUnsatisfiedRecipe marks a complete recipe where at least one
	// fill's added output fell short of its fragment's minimum marginal
	// output.
	errUnsatisfiedRecipe = errors.New("tlb: recipe unsatisfied")
	// ErrMissingBearer is returned by linking when the cache has no bearer
	// for an instruction's target stable id — a programming invariant
	// violation per §4.5, fatal within the attempt.
	ErrMissingBearer = errors.New("tlb: missing bearer for linking target")
)

// IsIncomplete reports whether err denotes an incomplete (not unsatisfied)
// recipe.
func IsIncomplete(err error) bool { return errors.Is(err, errIncompleteRecipe) }

// IsUnsatisfied reports whether err denotes an unsatisfied recipe.
func IsUnsatisfied(err error) bool { return errors.Is(err, errUnsatisfiedRecipe) }

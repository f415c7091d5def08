package cache

import (
	"errors"
	"fmt"
)

// Invalidator turns mutation results into cache invalidations. It is the only
// path from a completed mutation to query freshness.
type Invalidator struct {
	store *Store
}

// OnMutationResult computes op.Invalidates(result) and invalidates every
// entry providing a matching tag. It runs to completion before returning, so
// a read issued afterwards never sees pre-mutation data without a refetch
// under way. The returned tags are the valid ones that were processed.
func (inv *Invalidator) OnMutationResult(op *Operation, result any) ([]Tag, error) {
	if op.Kind != KindMutation {
		return nil, &ValidationError{Operation: op.Name, Reason: "only mutations invalidate"}
	}
	tags, err := safeTags(op.Name, op.Invalidates, result)
	if err != nil {
		return nil, err
	}
	return inv.invalidate(tags)
}

// InvalidateTags invalidates every entry providing one of tags. Tags that
// cannot be resolved are reported in the returned error; the rest are still
// processed. Invalidating tags no entry provides changes nothing.
func (inv *Invalidator) InvalidateTags(tags []Tag) error {
	_, err := inv.invalidate(tags)
	return err
}

func (inv *Invalidator) invalidate(tags []Tag) ([]Tag, error) {
	s := inv.store
	valid := make([]Tag, 0, len(tags))
	var errs []error
	for _, t := range tags {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("invalid tag %q", t.String()))
			continue
		}
		valid = append(valid, t)
	}

	s.mu.Lock()
	defer s.unlock()

	s.recordInvalidation(valid)
	seen := make(map[string]struct{})
	for _, t := range valid {
		for _, key := range s.index.KeysForTag(t) {
			if _, done := seen[key]; done {
				continue
			}
			seen[key] = struct{}{}
			s.invalidateLocked(key)
		}
	}
	if s.options.DebugMode {
		s.logger.Debug("Invalidate: tags processed", "tags", len(valid), "entries", len(seen), "rejected", len(errs))
	}
	return valid, errors.Join(errs...)
}

// safeTags runs a tag rule, turning a panic into an error so one faulty
// rule cannot take down the caller.
func safeTags(name string, rule func(any) []Tag, result any) (tags []Tag, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: tag rule panicked: %v", name, r)
		}
	}()
	return rule(result), nil
}

package ledger

// Acquire forwards call and, only when it succeeds, records the entry built
// from its result. The lock is not held while call runs.
func Acquire[R, E any](
	l *Ledger[E],
	call func() (R, error),
	record func(R) E,
) (R, error) {
	r, err := call()
	if err != nil {
		return r, err
	}

	l.Insert(record(r))

	return r, nil
}

// Release removes the entry held under key and then forwards call. When no
// entry exists the miss is reported and call is skipped, since there is no
// resource this ledger knows how to release.
func Release[E any](l *Ledger[E], op string, key uint64, call func() error) error {
	if _, ok := l.Remove(key); !ok {
		l.report(op, key)
		return nil
	}

	return call()
}

// ReleaseWhere removes the entry held under key or, failing that, the
// earliest inserted entry satisfying match. call is forwarded whatever the
// outcome; a miss is reported.
func ReleaseWhere[E any](
	l *Ledger[E],
	op string,
	key uint64,
	match func(E) bool,
	call func() error,
) error {
	_, ok := l.Remove(key)
	if !ok {
		_, ok = l.RemoveFirst(match)
	}

	if !ok {
		l.report(op, key)
	}

	return call()
}

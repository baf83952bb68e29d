package health

// Checker reports whether a component is healthy. A nil error means healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

package diff

// Strategy selects how the attributes of an item are compared.
type Strategy uint8

const (
	// Generic diffs sets element-wise and arrays with an LCS diff.
	Generic Strategy = iota
	// Atomic treats every attribute as an opaque value; a changed
	// multivalue is replaced as a whole.
	Atomic
)

func (s Strategy) String() string {
	switch s {
	case Generic:
		return "generic"
	case Atomic:
		return "atomic"
	}
	return "unknown"
}

// Metamodel maps entity names (the item.EntityNameAttribute of an item) to
// the strategy used for items of that entity. Unlisted entities use
// Generic.
type Metamodel map[string]Strategy

func (m Metamodel) strategyFor(entity string) Strategy {
	if s, ok := m[entity]; ok {
		return s
	}
	return Generic
}

type options struct {
	metamodel Metamodel
}

type Option func(*options)

// WithMetamodel sets the metamodel used to pick a strategy per item.
func WithMetamodel(m Metamodel) Option {
	return func(o *options) { o.metamodel = m }
}

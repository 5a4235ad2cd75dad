package validator

// Kind classifies an authorization violation.
type Kind string

const (
	KindSyntax    Kind = "syntax"
	KindStatement Kind = "statement"
	KindTable     Kind = "table"
	KindColumn    Kind = "column"
	KindFunction  Kind = "function"
	KindTenant    Kind = "tenant"
)

// Violation names the first identifier that failed authorization.
type Violation struct {
	Kind       Kind
	Identifier string
	Message    string
}

// Verdict is the outcome of one validation attempt.
// Authorized is true only when Violation is nil.
type Verdict struct {
	Authorized bool
	Violation  *Violation
}

func allow() Verdict { return Verdict{Authorized: true} }

func deny(kind Kind, identifier, message string) Verdict {
	return Verdict{
		Violation: &Violation{
			Kind:       kind,
			Identifier: identifier,
			Message:    message,
		},
	}
}

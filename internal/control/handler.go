package control

// Handler executes and validates one kind of control command. Code is the
// command's argument text, usually a JSON object.
type Handler interface {
	// Execute runs the code and returns output or error
	Execute(code string) (string, error)

	// Validate checks the code without running it
	Validate(code string) error

	// IsSupported returns true if the handler has what it needs to run
	IsSupported() bool
}

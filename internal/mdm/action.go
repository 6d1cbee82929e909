package mdm

// Action is the parsed form of a Command. The set of implementations is closed.
type Action interface {
	action()
	// Name is the command type as it appears on the wire.
	Name() string
}

// Lock locks the interactive session.
type Lock struct{}

// Shutdown schedules a power-off.
type Shutdown struct{}

// Restart schedules a reboot.
type Restart struct{}

// Custom runs an administrator-supplied shell command.
type Custom struct {
	Command string
}

// Unknown carries a command type the agent does not recognize.
type Unknown struct {
	Type string
}

func (Lock) action()     {}
func (Shutdown) action() {}
func (Restart) action()  {}
func (Custom) action()   {}
func (Unknown) action()  {}

// Name implements Action.
func (Lock) Name() string { return TypeLock }

// Name implements Action.
func (Shutdown) Name() string { return TypeShutdown }

// Name implements Action.
func (Restart) Name() string { return TypeRestart }

// Name implements Action.
func (Custom) Name() string { return TypeCustom }

// Name implements Action.
func (u Unknown) Name() string { return u.Type }

// Action parses the command type. Matching is exact and case sensitive.
func (c Command) Action() Action {
	switch c.CommandType {
	case TypeLock:
		return Lock{}
	case TypeShutdown:
		return Shutdown{}
	case TypeRestart:
		return Restart{}
	case TypeCustom:
		return Custom{Command: c.Command}
	default:
		return Unknown{Type: c.CommandType}
	}
}

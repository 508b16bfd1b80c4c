// Package commands detects the leading "/" command form of the session
// dispatch (slash-command / @mention / plain text). The
// handler table itself lives in the Script Host's embedded commands
// module (internal/scripthost); this package only recognises and
// tokenizes the command text before it's handed to Host.RunCommand.
package commands

// ParsedCommand is a detected command in a message.
type ParsedCommand struct {
	// Name is the command name (without prefix), lowercased.
	Name string

	// Args is the argument text after the command name.
	Args string

	// Prefix is the command prefix used (/, !, etc).
	Prefix string

	// StartPos is the position in the original text.
	StartPos int

	// EndPos is the end position in the original text.
	EndPos int

	// Inline indicates this was an inline command (not at start of message).
	Inline bool
}

// Detection holds the result of command detection.
type Detection struct {
	// HasCommand indicates if any command was found.
	HasCommand bool

	// Commands are all detected commands in the message.
	Commands []ParsedCommand

	// Primary is the first/main command (usually at message start).
	Primary *ParsedCommand
}

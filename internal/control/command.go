package control

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// CommandType names a handler
type CommandType string

const (
	CommandConnect    CommandType = "connect"
	CommandDisconnect CommandType = "disconnect"
	CommandVelocity   CommandType = "velocity"
	CommandUnvelocity CommandType = "unvelocity"
	CommandFilters    CommandType = "filters"
	CommandReset      CommandType = "reset"
	CommandInit       CommandType = "init"
	CommandQuery      CommandType = "query"
	CommandTarget     CommandType = "target"
	CommandState      CommandType = "state"
	CommandRoute      CommandType = "route"
	CommandSleep      CommandType = "sleep"
	CommandPulse      CommandType = "pulse"
	CommandSend       CommandType = "send"
	CommandRun        CommandType = "run"
)

var ErrEmptyCommand = errors.New("empty command")

// Command is one parsed control line
type Command struct {
	Type CommandType
	Code string
}

// ParseLine splits "type code..." into a Command. The type is case-insensitive
// and the code is everything after the first run of whitespace.
func ParseLine(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, ErrEmptyCommand
	}
	name, code, _ := strings.Cut(line, " ")
	return Command{
		Type: CommandType(strings.ToLower(name)),
		Code: strings.TrimSpace(code),
	}, nil
}

func (c Command) String() string {
	if c.Code == "" {
		return string(c.Type)
	}
	return string(c.Type) + " " + c.Code
}

func sortedTypes(m map[CommandType]Handler) []CommandType {
	types := make([]CommandType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

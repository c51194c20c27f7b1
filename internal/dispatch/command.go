package dispatch

import (
	"path"
	"strings"

	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/transfer"
)

// Command names.
const (
	List    = "ls"
	MakeDir = "mkdir"
	Put     = "put"
	Get     = "get"
	Copy    = "cp"
	Move    = "mv"
	Remove  = "rm"
)

// Delimiter separates path from inline content (put) and source from
// destination (cp, mv).
const Delimiter = ":"

// DefaultMaxPathLength caps normalized paths when no limit is configured.
const DefaultMaxPathLength = 4096

// Command is one parsed generic command.
type Command struct {
	Name    string
	Path    string
	Dest    string
	Payload transfer.Source
}

// Parser turns raw command names and arguments into Commands.
type Parser struct {
	MaxPathLength int
}

// Parse parses a command with the default path limit.
func Parse(name, arg string, payload transfer.Source) (Command, error) {
	return Parser{}.Parse(name, arg, payload)
}

// Parse validates name and splits arg into normalized paths. For put,
// payload is the request body; when it is nil the content follows the
// delimiter in arg.
func (p Parser) Parse(name, arg string, payload transfer.Source) (Command, error) {
	cmd := Command{Name: name}
	var err error

	switch name {
	case List:
		cmd.Path, err = p.normalize(name, arg, true)
	case MakeDir, Get, Remove:
		cmd.Path, err = p.normalize(name, arg, false)
	case Put:
		target := arg
		if payload == nil {
			i := strings.Index(arg, Delimiter)
			if i < 0 {
				return cmd, fserr.New(fserr.KindInvalidArgument, name, "")
			}
			target = arg[:i]
			payload = transfer.Inline(arg[i+len(Delimiter):])
		}
		cmd.Payload = payload
		cmd.Path, err = p.normalize(name, target, false)
	case Copy, Move:
		src, dst, ok := strings.Cut(arg, Delimiter)
		if !ok {
			return cmd, fserr.New(fserr.KindInvalidArgument, name, "")
		}
		if cmd.Path, err = p.normalize(name, src, false); err != nil {
			return cmd, err
		}
		cmd.Dest, err = p.normalize(name, dst, false)
		if err == nil && cmd.Path == cmd.Dest {
			err = fserr.New(fserr.KindInvalidArgument, name, cmd.Path)
		}
	default:
		return cmd, fserr.New(fserr.KindUnsupported, name, "")
	}
	if err != nil {
		return cmd, err
	}
	if cmd.Path == "/" && name != List {
		return cmd, fserr.New(fserr.KindInvalidArgument, name, "/")
	}
	return cmd, nil
}

func (p Parser) normalize(op, raw string, allowEmpty bool) (string, error) {
	limit := p.MaxPathLength
	if limit <= 0 {
		limit = DefaultMaxPathLength
	}
	return Normalize(op, raw, allowEmpty, limit)
}

// Normalize returns raw as an absolute, clean, backend-relative path. It
// rejects empty paths (unless allowEmpty, which yields the root), NUL bytes,
// paths over limit bytes and ".." segments that would climb above the root.
func Normalize(op, raw string, allowEmpty bool, limit int) (string, error) {
	if strings.TrimSpace(raw) == "" {
		if allowEmpty {
			return "/", nil
		}
		return "", fserr.New(fserr.KindInvalidArgument, op, "")
	}
	if strings.ContainsRune(raw, 0) {
		return "", fserr.New(fserr.KindInvalidArgument, op, "")
	}
	if limit > 0 && len(raw) > limit {
		return "", fserr.New(fserr.KindInvalidArgument, op, "")
	}

	depth := 0
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", fserr.New(fserr.KindInvalidArgument, op, raw)
			}
		default:
			depth++
		}
	}
	return path.Clean("/" + raw), nil
}

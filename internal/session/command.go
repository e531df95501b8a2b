package session

import (
	"strings"
)

// Command is one parsed line of operator input. The set of variants is closed.
type Command interface {
	command()
}

type (
	// List shows the current remote directory.
	List struct{}
	// ChangeDir moves the remote working directory.
	ChangeDir struct{ Target string }
	// Download fetches a remote file into the download directory.
	Download struct{ Name string }
	// Upload sends a local file into the remote working directory.
	Upload struct{ Name string }
	// Pwd prints the remote working directory.
	Pwd struct{}
	// Help prints the command reference.
	Help struct{}
	// Quit ends the session.
	Quit struct{}
	// Connect selects a server by address or by number from the last scan.
	Connect struct{ Addr string }
	// Scan looks for servers on the local subnet.
	Scan struct{}
	// Empty is a blank line.
	Empty struct{}
	// Unknown is anything else. Hint explains what was expected, if known.
	Unknown struct {
		Raw  string
		Hint string
	}
)

func (List) command()      {}
func (ChangeDir) command() {}
func (Download) command()  {}
func (Upload) command()    {}
func (Pwd) command()       {}
func (Help) command()      {}
func (Quit) command()      {}
func (Connect) command()   {}
func (Scan) command()      {}
func (Empty) command()     {}
func (Unknown) command()   {}

// Parse turns a line into a Command. Arguments may be double-quoted to
// keep spaces; unquoted trailing words are joined with single spaces so
// "get my file.txt" also works.
func Parse(line string) Command {
	parts := splitArgs(strings.TrimSpace(line))
	if len(parts) == 0 {
		return Empty{}
	}
	verb, arg := strings.ToLower(parts[0]), strings.Join(parts[1:], " ")

	switch verb {
	case "ls", "dir", "list":
		return List{}
	case "cd":
		if arg == "" {
			arg = "/"
		}
		return ChangeDir{Target: arg}
	case "get", "download":
		if arg == "" {
			return Unknown{Raw: line, Hint: "usage: download <name>"}
		}
		return Download{Name: arg}
	case "put", "upload":
		if arg == "" {
			return Unknown{Raw: line, Hint: "usage: upload <local file>"}
		}
		return Upload{Name: arg}
	case "pwd":
		return Pwd{}
	case "help", "h", "?":
		return Help{}
	case "quit", "exit", "q":
		return Quit{}
	case "connect", "open":
		if arg == "" {
			return Unknown{Raw: line, Hint: "usage: connect <address | number>"}
		}
		return Connect{Addr: arg}
	case "scan":
		return Scan{}
	}
	return Unknown{Raw: line}
}

// splitArgs is a simple shell-like split that respects "quoted strings".
func splitArgs(line string) []string {
	var parts []string
	var cur strings.Builder
	inQ, quoted := false, false
	for _, c := range line {
		switch {
		case c == '"':
			inQ = !inQ
			quoted = true
		case (c == ' ' || c == '\t') && !inQ:
			if cur.Len() > 0 || quoted {
				parts = append(parts, cur.String())
				cur.Reset()
				quoted = false
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 || quoted {
		parts = append(parts, cur.String())
	}
	return parts
}

const helpText = `Commands:
  scan                    look for servers on this network
  connect <addr | n>      connect to a server (n = number from scan)
  ls                      list the current remote directory
  cd <dir | .. | />       change remote directory
  pwd                     show the current remote directory
  download <name>         fetch a remote file into the download directory
  upload <local file>     send a local file into the current remote directory
  help                    show this text
  quit                    leave

Press Ctrl-C during a transfer to cancel it.`

package docker

import (
	"strings"
)

// sentinel separates replayed output from the current script's output.
const sentinel = "__scriptq_current__"

type language struct {
	name  string
	image string
	// command builds the container Cmd for a full program text.
	command func(program string) []string
	// marker prints the sentinel on its own line.
	marker string
}

var languages = map[string]language{
	"python": {
		name:    "python",
		image:   "python:alpine",
		command: func(p string) []string { return []string{"python", "-c", p} },
		marker:  `print("` + sentinel + `", flush=True)`,
	},
	"sh": {
		name:    "sh",
		image:   "alpine",
		command: func(p string) []string { return []string{"sh", "-c", p} },
		marker:  `echo "` + sentinel + `"`,
	},
}

func (l language) program(accepted []string, script string) []string {
	var b strings.Builder
	for _, s := range accepted {
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString(l.marker)
	b.WriteString("\n")
	b.WriteString(script)
	b.WriteString("\n")
	return l.command(b.String())
}

// splitOutput keeps the lines after the sentinel; the last non-empty one is the value.
func splitOutput(stdout string) ([]string, string) {
	if i := strings.LastIndex(stdout, sentinel+"\n"); i >= 0 {
		stdout = stdout[i+len(sentinel)+1:]
	} else if strings.HasSuffix(stdout, sentinel) {
		stdout = ""
	}

	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, ""
	}
	messages := lines[:len(lines)-1]
	if len(messages) == 0 {
		messages = nil
	}
	return messages, lines[len(lines)-1]
}
